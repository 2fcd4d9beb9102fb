// Package models defines the change events consumed by the notification pipeline.
package models

import (
	"encoding/json"
	"strings"
)

// Watched tables.
const (
	TableTickets     = "tickets"
	TableAssignments = "assignments"
	TableEquipment   = "equipment"
)

// Operation is the kind of row mutation.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
)

// ParseOperation normalizes an operation name from a change feed.
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "CREATE":
		return OperationInsert, true
	case "UPDATE":
		return OperationUpdate, true
	default:
		return "", false
	}
}

// MutationAction classifies a mutation for template selection.
type MutationAction string

const (
	ActionCreated         MutationAction = "created"
	ActionUpdated         MutationAction = "updated"
	ActionStatusChanged   MutationAction = "status_changed"
	ActionAssigneeChanged MutationAction = "assignee_changed"
	ActionAssigned        MutationAction = "assigned"
	ActionCompleted       MutationAction = "completed"
)

// RawChange is a row-level change notification as produced by the database
// trigger mechanism (database webhook payload shape).
type RawChange struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema,omitempty"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// HasOldRecord reports whether the change carries a usable previous row.
func (c *RawChange) HasOldRecord() bool {
	trimmed := strings.TrimSpace(string(c.OldRecord))
	return trimmed != "" && trimmed != "null"
}

// TicketChange is the enriched variant for the tickets table.
type TicketChange struct {
	Ticket    Ticket   `json:"ticket"`
	Previous  *Ticket  `json:"previous,omitempty"`
	Requester *Profile `json:"requester,omitempty"`
	Assignee  *Profile `json:"assignee,omitempty"`
	Unit      *Unit    `json:"unit,omitempty"`
}

// AssigneeChanged reports whether an update moved the ticket to a different
// assignee. It is independent of the event's action, so an update that also
// changed the status still reports true.
func (c *TicketChange) AssigneeChanged() bool {
	if c == nil || c.Previous == nil {
		return false
	}
	prev, cur := "", ""
	if c.Previous.AssigneeID != nil {
		prev = *c.Previous.AssigneeID
	}
	if c.Ticket.AssigneeID != nil {
		cur = *c.Ticket.AssigneeID
	}
	return prev != cur
}

// AssignmentChange is the enriched variant for the assignments table.
type AssignmentChange struct {
	Assignment Assignment  `json:"assignment"`
	Previous   *Assignment `json:"previous,omitempty"`
	User       *Profile    `json:"user,omitempty"`
	Equipment  *Equipment  `json:"equipment,omitempty"`
}

// EquipmentChange is the enriched variant for the equipment table.
type EquipmentChange struct {
	Equipment Equipment  `json:"equipment"`
	Previous  *Equipment `json:"previous,omitempty"`
	Unit      *Unit      `json:"unit,omitempty"`
}

// MutationEvent is a normalized, enriched insert or update on a watched table.
// Exactly one of Ticket, Assignment or Equipment is set, matching Table.
type MutationEvent struct {
	Table      string            `json:"table"`
	Operation  Operation         `json:"operation"`
	Action     MutationAction    `json:"action"`
	Ticket     *TicketChange     `json:"ticket,omitempty"`
	Assignment *AssignmentChange `json:"assignment,omitempty"`
	Equipment  *EquipmentChange  `json:"equipment,omitempty"`
}
