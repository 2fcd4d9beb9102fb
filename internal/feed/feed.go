// Package feed consumes database change events from message brokers and
// hands them to the notification pipeline.
package feed

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// Handler processes one decoded change. A *models.ValidationError marks the
// change as permanently unprocessable.
type Handler func(ctx context.Context, change models.RawChange) error

// Source delivers changes to a Handler until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, handler Handler) error
}

// Decode parses a database-webhook payload.
func Decode(body []byte) (models.RawChange, error) {
	var change models.RawChange
	if err := json.Unmarshal(body, &change); err != nil {
		return change, &models.ValidationError{Field: "body", Reason: "invalid change payload: " + err.Error()}
	}
	if strings.TrimSpace(change.Table) == "" {
		return change, &models.ValidationError{Field: "table", Reason: "required"}
	}
	if strings.TrimSpace(change.Type) == "" {
		return change, &models.ValidationError{Field: "type", Reason: "required"}
	}
	return change, nil
}
