// Package watcher turns raw row-change notifications from the helpdesk
// database into typed, enriched MutationEvents.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/HelpdeskPipe/internal/directory"
	"github.com/BTreeMap/HelpdeskPipe/internal/metrics"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// Watcher normalizes changes on the tickets, assignments and equipment tables.
// It only reads from the directory.
type Watcher struct {
	dir directory.Directory
}

// New creates a Watcher that enriches events through dir.
func New(dir directory.Directory) *Watcher {
	return &Watcher{dir: dir}
}

// Normalize decodes change and attaches the related entities. Changes on
// other tables return models.ErrIgnoredTable and deletes return
// models.ErrIgnoredOperation.
func (w *Watcher) Normalize(ctx context.Context, change models.RawChange) (*models.MutationEvent, error) {
	op, ok := models.ParseOperation(change.Type)
	if !ok {
		return nil, fmt.Errorf("%s on %s: %w", change.Type, change.Table, models.ErrIgnoredOperation)
	}
	if len(change.Record) == 0 {
		return nil, &models.ValidationError{Field: "record", Reason: "change carries no record"}
	}

	table := strings.ToLower(strings.TrimSpace(change.Table))
	ev := &models.MutationEvent{Table: table, Operation: op}

	var err error
	switch table {
	case models.TableTickets:
		ev.Ticket, ev.Action, err = w.ticket(ctx, op, change)
	case models.TableAssignments:
		ev.Assignment, ev.Action, err = w.assignment(ctx, op, change)
	case models.TableEquipment:
		ev.Equipment, ev.Action, err = w.equipment(ctx, op, change)
	default:
		return nil, fmt.Errorf("table %q: %w", change.Table, models.ErrIgnoredTable)
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("Watcher.Normalize: event", "table", ev.Table, "operation", ev.Operation, "action", ev.Action)
	metrics.MutationEvents.WithLabelValues(ev.Table, string(ev.Action)).Inc()
	return ev, nil
}

func (w *Watcher) ticket(ctx context.Context, op models.Operation, change models.RawChange) (*models.TicketChange, models.MutationAction, error) {
	tc := &models.TicketChange{}
	if err := decode(change.Record, &tc.Ticket); err != nil {
		return nil, "", err
	}
	if op == models.OperationUpdate && change.HasOldRecord() {
		tc.Previous = &models.Ticket{}
		if err := decode(change.OldRecord, tc.Previous); err != nil {
			return nil, "", err
		}
	}

	var err error
	t := &tc.Ticket
	if t.RequesterID != "" {
		if tc.Requester, err = w.dir.GetProfile(ctx, t.RequesterID); err != nil {
			return nil, "", fmt.Errorf("enrich ticket %s requester: %w", t.ID, err)
		}
	}
	if id := deref(t.AssigneeID); id != "" {
		if tc.Assignee, err = w.dir.GetProfile(ctx, id); err != nil {
			return nil, "", fmt.Errorf("enrich ticket %s assignee: %w", t.ID, err)
		}
	}
	if id := deref(t.UnitID); id != "" {
		if tc.Unit, err = w.dir.GetUnit(ctx, id); err != nil {
			return nil, "", fmt.Errorf("enrich ticket %s unit: %w", t.ID, err)
		}
	}

	action := models.ActionUpdated
	switch {
	case op == models.OperationInsert:
		action = models.ActionCreated
	case tc.Previous == nil:
	case tc.Previous.Status != t.Status:
		action = models.ActionStatusChanged
	case tc.AssigneeChanged():
		action = models.ActionAssigneeChanged
	}
	return tc, action, nil
}

func (w *Watcher) assignment(ctx context.Context, op models.Operation, change models.RawChange) (*models.AssignmentChange, models.MutationAction, error) {
	ac := &models.AssignmentChange{}
	if err := decode(change.Record, &ac.Assignment); err != nil {
		return nil, "", err
	}
	if op == models.OperationUpdate && change.HasOldRecord() {
		ac.Previous = &models.Assignment{}
		if err := decode(change.OldRecord, ac.Previous); err != nil {
			return nil, "", err
		}
	}

	var err error
	a := &ac.Assignment
	if a.UserID != "" {
		if ac.User, err = w.dir.GetProfile(ctx, a.UserID); err != nil {
			return nil, "", fmt.Errorf("enrich assignment %s user: %w", a.ID, err)
		}
	}
	if a.EquipmentID != "" {
		if ac.Equipment, err = w.dir.GetEquipment(ctx, a.EquipmentID); err != nil {
			return nil, "", fmt.Errorf("enrich assignment %s equipment: %w", a.ID, err)
		}
	}

	action := models.ActionUpdated
	switch {
	case op == models.OperationInsert:
		action = models.ActionAssigned
	case models.IsFinishedAssignmentStatus(a.Status) &&
		(ac.Previous == nil || !models.IsFinishedAssignmentStatus(ac.Previous.Status)):
		action = models.ActionCompleted
	}
	return ac, action, nil
}

func (w *Watcher) equipment(ctx context.Context, op models.Operation, change models.RawChange) (*models.EquipmentChange, models.MutationAction, error) {
	ec := &models.EquipmentChange{}
	if err := decode(change.Record, &ec.Equipment); err != nil {
		return nil, "", err
	}
	if op == models.OperationUpdate && change.HasOldRecord() {
		ec.Previous = &models.Equipment{}
		if err := decode(change.OldRecord, ec.Previous); err != nil {
			return nil, "", err
		}
	}

	if id := ec.Equipment.UnitID; id != "" {
		unit, err := w.dir.GetUnit(ctx, id)
		if err != nil {
			return nil, "", fmt.Errorf("enrich equipment %s unit: %w", ec.Equipment.ID, err)
		}
		ec.Unit = unit
	}

	action := models.ActionUpdated
	switch {
	case op == models.OperationInsert:
		action = models.ActionCreated
	case ec.Previous != nil && ec.Previous.Status != ec.Equipment.Status:
		action = models.ActionStatusChanged
	}
	return ec, action, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &models.ValidationError{Field: "record", Reason: err.Error()}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
