// Package store provides storage backends for HelpdeskPipe.
//
// It persists flow definitions, conversation sessions, the notification
// delivery log and inbound message deduplication. Three backends are
// available: in-memory (tests and local runs), SQLite and PostgreSQL.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// FlowRepo provides typed access to flow definitions and their ordered steps.
type FlowRepo interface {
	// ListActiveFlows returns active flows ordered by creation time, then ID.
	ListActiveFlows(ctx context.Context) ([]models.Flow, error)
	// ListFlows returns every flow ordered by creation time, then ID.
	ListFlows(ctx context.Context) ([]models.Flow, error)
	// GetFlow returns the flow or nil when it does not exist.
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	// ListSteps returns the steps of a flow ordered by Order.
	ListSteps(ctx context.Context, flowID string) ([]models.FlowStep, error)
	// SaveFlow upserts the flow and replaces its steps atomically.
	// Duplicate step orders are rejected with models.ErrDuplicateStepOrder.
	SaveFlow(ctx context.Context, flow models.Flow, steps []models.FlowStep) error
	// DeleteFlow removes a flow and its steps.
	DeleteFlow(ctx context.Context, id string) error
}

// SessionStore persists one ConversationSession per counterparty with
// optimistic concurrency on Version.
type SessionStore interface {
	// GetSession returns the session or nil when none exists.
	GetSession(ctx context.Context, counterpartyID string) (*models.ConversationSession, error)
	// SaveSession inserts the session when Version is zero and otherwise updates it
	// only if the stored version still matches. A lost race returns
	// models.ErrConcurrencyConflict. On success session.Version is incremented.
	SaveSession(ctx context.Context, session *models.ConversationSession) error
	// DeleteSession removes the session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, counterpartyID string) error
	// DeleteIdleSessions removes sessions whose LastActivityAt is before the cutoff.
	DeleteIdleSessions(ctx context.Context, before time.Time) (int, error)
}

// NotificationRepo persists the append-only notification delivery log.
type NotificationRepo interface {
	CreateNotification(ctx context.Context, rec *models.NotificationRecord) error
	UpdateNotification(ctx context.Context, rec *models.NotificationRecord) error
	// GetNotification returns the record or nil when it does not exist.
	GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error)
	// ListNotifications returns records newest first.
	ListNotifications(ctx context.Context, filter models.NotificationFilter) ([]models.NotificationRecord, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	FlowRepo
	SessionStore
	NotificationRepo
	DedupRepo
	Close() error
}

// DefaultListLimit caps notification listings when no limit is given.
const DefaultListLimit = 100

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN  string
	Type string // "sqlite" or "postgres"
}

// Option defines a functional option for configuring stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "sqlite"
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open builds the store selected by the options. Without a DSN an in-memory store is returned.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	case cfg.Type == "postgres":
		return NewPostgresStore(opts...)
	case cfg.Type == "sqlite":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// checkStepOrders rejects steps that share an order within one flow.
func checkStepOrders(steps []models.FlowStep) error {
	seen := make(map[int]string, len(steps))
	for _, st := range steps {
		if prev, ok := seen[st.Order]; ok {
			return fmt.Errorf("%w: order %d used by steps %s and %s", models.ErrDuplicateStepOrder, st.Order, prev, st.ID)
		}
		seen[st.Order] = st.ID
	}
	return nil
}
