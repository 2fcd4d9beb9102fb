package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HelpdeskPipe/internal/metrics"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

// Inbox deduplicates inbound messages by provider message ID before they
// reach the Engine. Messages without an ID are always processed.
type Inbox struct {
	engine *Engine
	dedup  store.DedupRepo
}

// NewInbox wraps engine. A nil dedup repo disables deduplication.
func NewInbox(engine *Engine, dedup store.DedupRepo) *Inbox {
	return &Inbox{engine: engine, dedup: dedup}
}

// Receive records the message and hands it to the engine. Redelivered
// messages return a Result with Duplicate set. A message whose processing
// fails stays recorded but unprocessed.
func (in *Inbox) Receive(ctx context.Context, msg models.InboundMessage) (Result, error) {
	if msg.FromMe {
		return Result{}, nil
	}
	if in.dedup == nil || msg.MessageID == "" {
		return in.engine.HandleInbound(ctx, msg)
	}

	fresh, err := in.dedup.RecordInbound(ctx, msg.MessageID, msg.CounterpartyID)
	if err != nil {
		return Result{}, fmt.Errorf("record inbound %s: %w", msg.MessageID, err)
	}
	if !fresh {
		slog.Debug("Inbox.Receive: duplicate message ignored", "message_id", msg.MessageID)
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return Result{Duplicate: true}, nil
	}

	res, err := in.engine.HandleInbound(ctx, msg)
	if err != nil {
		return res, err
	}
	if err := in.dedup.MarkProcessed(ctx, msg.MessageID); err != nil {
		slog.Warn("Inbox.Receive: mark processed failed", "message_id", msg.MessageID, "error", err)
	}
	return res, nil
}
