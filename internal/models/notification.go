// Package models defines notification intents and persisted delivery records.
package models

import "time"

// NotificationStatus is the delivery state of a NotificationRecord.
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// IsValidNotificationStatus checks if the given status is supported.
func IsValidNotificationStatus(s NotificationStatus) bool {
	switch s {
	case NotificationStatusPending, NotificationStatusSent, NotificationStatusFailed:
		return true
	default:
		return false
	}
}

// TemplateKind names the message template an intent was rendered from.
type TemplateKind string

const (
	TemplateFlowReply           TemplateKind = "flow_reply"
	TemplateTicketCreated       TemplateKind = "ticket_created"
	TemplateTicketAssigned      TemplateKind = "ticket_assigned"
	TemplateTicketStatusChanged TemplateKind = "ticket_status_changed"
	TemplateTicketResolved      TemplateKind = "ticket_resolved"
	TemplateEquipmentAssigned   TemplateKind = "equipment_assigned"
	TemplateAssignmentCompleted TemplateKind = "assignment_completed"
	TemplateAssignmentUpdated   TemplateKind = "assignment_updated"
	TemplateEquipmentRegistered TemplateKind = "equipment_registered"
	TemplateEquipmentStatus     TemplateKind = "equipment_status_changed"
)

// EntityRefs points back at the domain rows an intent was derived from.
type EntityRefs struct {
	TicketID     string `json:"ticket_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	EquipmentID  string `json:"equipment_id,omitempty"`
	AssignmentID string `json:"assignment_id,omitempty"`
}

// NotificationIntent is a composed, not-yet-sent outbound message.
type NotificationIntent struct {
	RecipientPhone  string       `json:"recipient_phone"`
	TemplateKind    TemplateKind `json:"template_kind"`
	EntityRefs      EntityRefs   `json:"entity_refs"`
	RenderedMessage string       `json:"rendered_message"`
}

// NotificationRecord is the append-only delivery log entry for one intent.
type NotificationRecord struct {
	ID               string             `json:"id"`
	TicketID         string             `json:"ticket_id,omitempty"`
	UserID           string             `json:"user_id,omitempty"`
	PhoneNumber      string             `json:"phone_number"`
	Message          string             `json:"message"`
	TemplateKind     TemplateKind       `json:"template_kind"`
	Status           NotificationStatus `json:"status"`
	GatewayMessageID string             `json:"gateway_message_id,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	SentAt           *time.Time         `json:"sent_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// NotificationFilter narrows a delivery log listing.
type NotificationFilter struct {
	Status      NotificationStatus
	PhoneNumber string
	TicketID    string
	Limit       int
}
