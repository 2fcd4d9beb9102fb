package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// sqlBackend implements the repositories over database/sql. SQLiteStore and
// PostgresStore embed it and differ only in driver, migrations and placeholders.
type sqlBackend struct {
	db       *sql.DB
	name     string
	numbered bool // "$1" placeholders instead of "?"
}

// bind rewrites "?" placeholders for drivers that use numbered parameters.
func (b *sqlBackend) bind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// Close closes the database connection.
func (b *sqlBackend) Close() error {
	slog.Debug("Closing database connection", "backend", b.name)
	err := b.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "backend", b.name, "error", err)
	}
	return err
}

// --- flows ---

const flowColumns = `id, name, is_active, trigger_keywords, created_at, updated_at`

const stepColumns = `id, flow_id, step_order, step_type, name, message_text, input_type, input_options,
	condition_field, condition_operator, condition_value, next_step_on_success, next_step_on_failure, actions`

func (b *sqlBackend) ListActiveFlows(ctx context.Context) ([]models.Flow, error) {
	return b.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE is_active = ? ORDER BY created_at, id`, true)
}

func (b *sqlBackend) ListFlows(ctx context.Context) ([]models.Flow, error) {
	return b.queryFlows(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY created_at, id`)
}

func (b *sqlBackend) queryFlows(ctx context.Context, query string, args ...interface{}) ([]models.Flow, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		slog.Error("Store.queryFlows: query failed", "backend", b.name, "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

func (b *sqlBackend) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	row := b.db.QueryRowContext(ctx, b.bind(`SELECT `+flowColumns+` FROM flows WHERE id = ?`), id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (b *sqlBackend) ListSteps(ctx context.Context, flowID string) ([]models.FlowStep, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(`SELECT `+stepColumns+` FROM flow_steps WHERE flow_id = ? ORDER BY step_order`), flowID)
	if err != nil {
		slog.Error("Store.ListSteps: query failed", "backend", b.name, "flowID", flowID, "error", err)
		return nil, fmt.Errorf("failed to query steps for flow %s: %w", flowID, err)
	}
	defer rows.Close()

	var steps []models.FlowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step rows: %w", err)
	}
	return steps, nil
}

func (b *sqlBackend) SaveFlow(ctx context.Context, flow models.Flow, steps []models.FlowStep) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	if err := checkStepOrders(steps); err != nil {
		return err
	}
	keywords, err := marshalJSON(flow.TriggerKeywords)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin flow transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, b.bind(`
		INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			trigger_keywords = excluded.trigger_keywords,
			updated_at = excluded.updated_at`),
		flow.ID, flow.Name, flow.IsActive, keywords, flow.CreatedAt.UTC(), flow.UpdatedAt)
	if err != nil {
		slog.Error("Store.SaveFlow: upsert failed", "backend", b.name, "flowID", flow.ID, "error", err)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	if _, err := tx.ExecContext(ctx, b.bind(`DELETE FROM flow_steps WHERE flow_id = ?`), flow.ID); err != nil {
		return fmt.Errorf("failed to clear steps of flow %s: %w", flow.ID, err)
	}
	for _, st := range steps {
		st.FlowID = flow.ID
		if err := st.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", st.ID, err)
		}
		options, err := marshalJSON(st.InputOptions)
		if err != nil {
			return err
		}
		actions, err := marshalJSON(st.Actions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, b.bind(`INSERT INTO flow_steps (`+stepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			st.ID, st.FlowID, st.Order, string(st.StepType), st.Name, st.MessageText, string(st.InputType), options,
			st.ConditionField, string(st.ConditionOperator), st.ConditionValue, st.NextStepOnSuccess, st.NextStepOnFailure, actions)
		if err != nil {
			slog.Error("Store.SaveFlow: step insert failed", "backend", b.name, "flowID", flow.ID, "stepID", st.ID, "error", err)
			return fmt.Errorf("failed to insert step %s: %w", st.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow %s: %w", flow.ID, err)
	}
	slog.Debug("Store.SaveFlow succeeded", "backend", b.name, "flowID", flow.ID, "steps", len(steps))
	return nil
}

func (b *sqlBackend) DeleteFlow(ctx context.Context, id string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, b.bind(`DELETE FROM flow_steps WHERE flow_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete steps of flow %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, b.bind(`DELETE FROM flows WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	return tx.Commit()
}

// --- sessions ---

const sessionColumns = `counterparty_id, active_flow_id, current_step_id, captured_inputs, metadata, version, started_at, last_activity_at`

func (b *sqlBackend) GetSession(ctx context.Context, counterpartyID string) (*models.ConversationSession, error) {
	row := b.db.QueryRowContext(ctx, b.bind(`SELECT `+sessionColumns+` FROM conversation_sessions WHERE counterparty_id = ?`), counterpartyID)

	var s models.ConversationSession
	var captured, metadata sql.NullString
	err := row.Scan(&s.CounterpartyID, &s.ActiveFlowID, &s.CurrentStepID, &captured, &metadata, &s.Version, &s.StartedAt, &s.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store.GetSession failed", "backend", b.name, "counterpartyID", counterpartyID, "error", err)
		return nil, fmt.Errorf("failed to load session for %s: %w", counterpartyID, err)
	}
	s.CapturedInputs = unmarshalStringMap(captured.String)
	s.Metadata = unmarshalStringMap(metadata.String)
	return &s, nil
}

func (b *sqlBackend) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	captured, err := marshalJSON(session.CapturedInputs)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(session.Metadata)
	if err != nil {
		return err
	}

	var res sql.Result
	if session.Version == 0 {
		res, err = b.db.ExecContext(ctx, b.bind(`INSERT INTO conversation_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?) ON CONFLICT (counterparty_id) DO NOTHING`),
			session.CounterpartyID, session.ActiveFlowID, session.CurrentStepID, captured, metadata,
			session.StartedAt.UTC(), session.LastActivityAt.UTC())
	} else {
		res, err = b.db.ExecContext(ctx, b.bind(`UPDATE conversation_sessions SET
				active_flow_id = ?, current_step_id = ?, captured_inputs = ?, metadata = ?,
				version = version + 1, last_activity_at = ?
			WHERE counterparty_id = ? AND version = ?`),
			session.ActiveFlowID, session.CurrentStepID, captured, metadata, session.LastActivityAt.UTC(),
			session.CounterpartyID, session.Version)
	}
	if err != nil {
		slog.Error("Store.SaveSession failed", "backend", b.name, "counterpartyID", session.CounterpartyID, "error", err)
		return fmt.Errorf("failed to save session for %s: %w", session.CounterpartyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected check failed: %w", err)
	}
	if n == 0 {
		return models.ErrConcurrencyConflict
	}
	session.Version++
	return nil
}

func (b *sqlBackend) DeleteSession(ctx context.Context, counterpartyID string) error {
	if _, err := b.db.ExecContext(ctx, b.bind(`DELETE FROM conversation_sessions WHERE counterparty_id = ?`), counterpartyID); err != nil {
		slog.Error("Store.DeleteSession failed", "backend", b.name, "counterpartyID", counterpartyID, "error", err)
		return fmt.Errorf("failed to delete session for %s: %w", counterpartyID, err)
	}
	return nil
}

func (b *sqlBackend) DeleteIdleSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, b.bind(`DELETE FROM conversation_sessions WHERE last_activity_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idle session rows affected check failed: %w", err)
	}
	return int(n), nil
}

// --- notifications ---

const notificationColumns = `id, ticket_id, user_id, phone_number, message, template_kind, status,
	gateway_message_id, error_message, sent_at, created_at, updated_at`

func (b *sqlBackend) CreateNotification(ctx context.Context, rec *models.NotificationRecord) error {
	_, err := b.db.ExecContext(ctx, b.bind(`INSERT INTO notification_records (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, nilIfEmpty(rec.TicketID), nilIfEmpty(rec.UserID), rec.PhoneNumber, rec.Message, string(rec.TemplateKind),
		string(rec.Status), nilIfEmpty(rec.GatewayMessageID), nilIfEmpty(rec.ErrorMessage), nullTime(rec.SentAt),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		slog.Error("Store.CreateNotification failed", "backend", b.name, "id", rec.ID, "error", err)
		return fmt.Errorf("failed to insert notification %s: %w", rec.ID, err)
	}
	return nil
}

func (b *sqlBackend) UpdateNotification(ctx context.Context, rec *models.NotificationRecord) error {
	res, err := b.db.ExecContext(ctx, b.bind(`UPDATE notification_records SET
			status = ?, gateway_message_id = ?, error_message = ?, sent_at = ?, updated_at = ?
		WHERE id = ?`),
		string(rec.Status), nilIfEmpty(rec.GatewayMessageID), nilIfEmpty(rec.ErrorMessage), nullTime(rec.SentAt),
		rec.UpdatedAt.UTC(), rec.ID)
	if err != nil {
		slog.Error("Store.UpdateNotification failed", "backend", b.name, "id", rec.ID, "error", err)
		return fmt.Errorf("failed to update notification %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotificationMissing, rec.ID)
	}
	return nil
}

func (b *sqlBackend) GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(`SELECT `+notificationColumns+` FROM notification_records WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanNotification(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *sqlBackend) ListNotifications(ctx context.Context, filter models.NotificationFilter) ([]models.NotificationRecord, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PhoneNumber != "" {
		where = append(where, "phone_number = ?")
		args = append(args, filter.PhoneNumber)
	}
	if filter.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, filter.TicketID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + notificationColumns + ` FROM notification_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		slog.Error("Store.ListNotifications query failed", "backend", b.name, "error", err)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification rows: %w", err)
	}
	return out, nil
}

// --- inbound dedup ---

func (b *sqlBackend) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := b.db.QueryRowContext(ctx, b.bind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (b *sqlBackend) RecordInbound(ctx context.Context, messageID, counterpartyID string) (bool, error) {
	result, err := b.db.ExecContext(ctx,
		b.bind(`INSERT INTO inbound_dedup (message_id, counterparty_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, counterpartyID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (b *sqlBackend) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := b.db.ExecContext(ctx,
		b.bind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
