package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(b), nil
}

// unmarshalStringMap decodes a JSON object column, returning an empty map on bad data.
func unmarshalStringMap(s string) map[string]string {
	m := make(map[string]string)
	if s == "" || s == "null" {
		return m
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		slog.Error("store: JSON map column unmarshal failed, using empty map", "error", err)
		return make(map[string]string)
	}
	return m
}

func scanFlow(row rowScanner) (models.Flow, error) {
	var f models.Flow
	var keywords sql.NullString
	if err := row.Scan(&f.ID, &f.Name, &f.IsActive, &keywords, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return f, err
		}
		return f, fmt.Errorf("scan flow failed: %w", err)
	}
	if keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &f.TriggerKeywords); err != nil {
			return f, fmt.Errorf("decode keywords of flow %s: %w", f.ID, err)
		}
	}
	return f, nil
}

func scanStep(row rowScanner) (models.FlowStep, error) {
	var st models.FlowStep
	var stepType, inputType, operator string
	var options, actions sql.NullString
	err := row.Scan(
		&st.ID, &st.FlowID, &st.Order, &stepType, &st.Name, &st.MessageText, &inputType, &options,
		&st.ConditionField, &operator, &st.ConditionValue, &st.NextStepOnSuccess, &st.NextStepOnFailure, &actions,
	)
	if err != nil {
		return st, fmt.Errorf("scan step failed: %w", err)
	}
	st.StepType = models.StepType(stepType)
	st.InputType = models.InputType(inputType)
	st.ConditionOperator = models.ConditionOperator(operator)
	if options.String != "" && options.String != "null" {
		if err := json.Unmarshal([]byte(options.String), &st.InputOptions); err != nil {
			return st, fmt.Errorf("decode options of step %s: %w", st.ID, err)
		}
	}
	if actions.String != "" && actions.String != "null" {
		if err := json.Unmarshal([]byte(actions.String), &st.Actions); err != nil {
			return st, fmt.Errorf("decode actions of step %s: %w", st.ID, err)
		}
	}
	return st, nil
}

// scanNotification scans a NotificationRecord from sql.Rows.
func scanNotification(rows *sql.Rows) (models.NotificationRecord, error) {
	var r models.NotificationRecord
	var ticketID, userID, gatewayID, errMsg sql.NullString
	var templateKind, status string
	var sentAt sql.NullTime
	err := rows.Scan(
		&r.ID, &ticketID, &userID, &r.PhoneNumber, &r.Message, &templateKind, &status,
		&gatewayID, &errMsg, &sentAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("scan notification failed: %w", err)
	}
	r.TicketID = ticketID.String
	r.UserID = userID.String
	r.TemplateKind = models.TemplateKind(templateKind)
	r.Status = models.NotificationStatus(status)
	r.GatewayMessageID = gatewayID.String
	r.ErrorMessage = errMsg.String
	if sentAt.Valid {
		t := sentAt.Time
		r.SentAt = &t
	}
	return r, nil
}
