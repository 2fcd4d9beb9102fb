package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/flow"
	"github.com/BTreeMap/HelpdeskPipe/internal/gateway"
	"github.com/BTreeMap/HelpdeskPipe/internal/metrics"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each gateway call.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) { disp.now = now }
}

// Dispatcher delivers intents and records every attempt in the delivery log.
// It is the only component that talks to the gateway.
type Dispatcher struct {
	repo    store.NotificationRepo
	gw      gateway.Gateway
	timeout time.Duration
	now     func() time.Time
}

var _ flow.Replier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. A nil gateway makes every delivery
// fail with a ConfigurationError that is recorded on the record.
func NewDispatcher(repo store.NotificationRepo, gw gateway.Gateway, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{repo: repo, gw: gw, timeout: gateway.DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates the recipient, persists a pending record, calls the
// gateway and stores the outcome. Delivery failures are recorded on the
// returned record, not returned as errors; errors mean the intent was
// invalid or the log could not be written.
func (d *Dispatcher) Dispatch(ctx context.Context, intent models.NotificationIntent) (*models.NotificationRecord, error) {
	phone := util.CanonicalPhone(intent.RecipientPhone)
	if !util.IsValidPhone(phone) {
		return nil, &models.ValidationError{Field: "phone", Reason: fmt.Sprintf("%q must have %d to %d digits", intent.RecipientPhone, util.MinPhoneDigits, util.MaxPhoneDigits)}
	}

	now := d.now().UTC()
	rec := &models.NotificationRecord{
		ID:           util.NewUUID(),
		TicketID:     intent.EntityRefs.TicketID,
		UserID:       intent.EntityRefs.UserID,
		PhoneNumber:  phone,
		Message:      intent.RenderedMessage,
		TemplateKind: intent.TemplateKind,
		Status:       models.NotificationStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.repo.CreateNotification(ctx, rec); err != nil {
		return nil, fmt.Errorf("record pending notification: %w", err)
	}

	gatewayID, sendErr := d.send(ctx, phone, intent.RenderedMessage)

	rec.UpdatedAt = d.now().UTC()
	if sendErr != nil {
		rec.Status = models.NotificationStatusFailed
		rec.ErrorMessage = sendErr.Error()
		slog.Warn("Dispatcher.Dispatch: delivery failed", "id", rec.ID, "phone", phone,
			"template", rec.TemplateKind, "class", models.Classify(sendErr), "error", sendErr)
	} else {
		rec.Status = models.NotificationStatusSent
		rec.GatewayMessageID = gatewayID
		sentAt := rec.UpdatedAt
		rec.SentAt = &sentAt
		slog.Debug("Dispatcher.Dispatch: delivered", "id", rec.ID, "phone", phone, "template", rec.TemplateKind, "gateway_id", gatewayID)
	}
	metrics.Notifications.WithLabelValues(string(rec.TemplateKind), string(rec.Status)).Inc()

	// The outcome is written even if the caller's context has ended.
	if err := d.repo.UpdateNotification(context.WithoutCancel(ctx), rec); err != nil {
		return rec, fmt.Errorf("record notification outcome: %w", err)
	}
	return rec, nil
}

func (d *Dispatcher) send(ctx context.Context, phone, message string) (string, error) {
	if d.gw == nil {
		return "", &models.ConfigurationError{Component: "notify", Reason: "no gateway configured"}
	}
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	id, err := d.gw.Send(sctx, phone, message)
	metrics.GatewayLatency.WithLabelValues(d.gw.Name()).Observe(time.Since(start).Seconds())
	return id, err
}

// DispatchReply sends a conversational flow reply.
func (d *Dispatcher) DispatchReply(ctx context.Context, phone, text string) error {
	_, err := d.Dispatch(ctx, models.NotificationIntent{
		RecipientPhone:  phone,
		TemplateKind:    models.TemplateFlowReply,
		RenderedMessage: text,
	})
	return err
}

// Redispatch sends a failed notification again as a new record. The
// original record is left untouched.
func (d *Dispatcher) Redispatch(ctx context.Context, id string) (*models.NotificationRecord, error) {
	rec, err := d.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load notification %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrNotificationMissing, id)
	}
	if rec.Status != models.NotificationStatusFailed {
		return nil, &models.ValidationError{Field: "status", Reason: "only failed notifications can be sent again"}
	}
	return d.Dispatch(ctx, models.NotificationIntent{
		RecipientPhone:  rec.PhoneNumber,
		TemplateKind:    rec.TemplateKind,
		EntityRefs:      models.EntityRefs{TicketID: rec.TicketID, UserID: rec.UserID},
		RenderedMessage: rec.Message,
	})
}

// InterruptedReason is stored on records that were pending when the process stopped.
const InterruptedReason = "interrupted before delivery outcome was recorded"

// RecoverStalePending marks records stuck in pending for longer than age as
// failed. Should be called once at startup.
func (d *Dispatcher) RecoverStalePending(ctx context.Context, age time.Duration) (int, error) {
	pending, err := d.repo.ListNotifications(ctx, models.NotificationFilter{
		Status: models.NotificationStatusPending,
		Limit:  1000,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending notifications: %w", err)
	}

	cutoff := d.now().Add(-age)
	n := 0
	for i := range pending {
		rec := &pending[i]
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		rec.Status = models.NotificationStatusFailed
		rec.ErrorMessage = InterruptedReason
		rec.UpdatedAt = d.now().UTC()
		if err := d.repo.UpdateNotification(ctx, rec); err != nil {
			return n, fmt.Errorf("fail stale notification %s: %w", rec.ID, err)
		}
		n++
	}
	if n > 0 {
		slog.Info("Dispatcher.RecoverStalePending: marked stale notifications failed", "count", n)
	}
	return n, nil
}
