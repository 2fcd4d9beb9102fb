// Package models defines the helpdesk entities read from the portal schema.
package models

import (
	"strings"
	"time"
)

// Ticket priorities as stored by the portal.
const (
	PriorityLow      = "baixa"
	PriorityMedium   = "media"
	PriorityHigh     = "alta"
	PriorityCritical = "critica"
)

// Ticket statuses as stored by the portal.
const (
	TicketStatusOpen       = "aberto"
	TicketStatusInProgress = "em_andamento"
	TicketStatusWaiting    = "aguardando"
	TicketStatusResolved   = "resolvido"
	TicketStatusClosed     = "fechado"
)

// Assignment statuses as stored by the portal.
const (
	AssignmentStatusActive    = "ativo"
	AssignmentStatusFinished  = "finalizado"
	AssignmentStatusCompleted = "concluido"
	AssignmentStatusReturned  = "devolvido"
)

// Equipment statuses as stored by the portal.
const (
	EquipmentStatusAvailable   = "disponivel"
	EquipmentStatusInUse       = "em_uso"
	EquipmentStatusMaintenance = "manutencao"
	EquipmentStatusRetired     = "baixado"
)

// TicketSourceWhatsApp marks tickets opened by a conversational flow.
const TicketSourceWhatsApp = "whatsapp"

// IsFinishedAssignmentStatus reports whether status is a terminal assignment status.
func IsFinishedAssignmentStatus(status string) bool {
	switch status {
	case AssignmentStatusFinished, AssignmentStatusCompleted, AssignmentStatusReturned:
		return true
	default:
		return false
	}
}

// Profile is a portal user.
type Profile struct {
	ID       string `json:"id" gorm:"primaryKey"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone" gorm:"index"`
	UnitID   string `json:"unit_id"`
}

// TableName maps Profile to the portal table.
func (Profile) TableName() string { return "profiles" }

// Unit is an organizational unit (school, office, department).
type Unit struct {
	ID           string `json:"id" gorm:"primaryKey"`
	Name         string `json:"name"`
	ContactPhone string `json:"contact_phone"`
}

// TableName maps Unit to the portal table.
func (Unit) TableName() string { return "units" }

// Equipment is an inventoried asset.
type Equipment struct {
	ID           string `json:"id" gorm:"primaryKey"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Brand        string `json:"brand"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
	AssetTag     string `json:"asset_tag"`
	UnitID       string `json:"unit_id"`
	Status       string `json:"status"`
}

// TableName maps Equipment to the portal table.
func (Equipment) TableName() string { return "equipment" }

// Descriptor returns a short human-readable label for the equipment.
func (e *Equipment) Descriptor() string {
	label := e.Name
	if label == "" {
		label = e.Type
	}
	if e.Brand != "" || e.Model != "" {
		label += " (" + strings.TrimSpace(e.Brand+" "+e.Model) + ")"
	}
	if e.AssetTag != "" {
		label += " - patrimônio " + e.AssetTag
	}
	return label
}

// Ticket is a support ticket.
type Ticket struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Priority     string    `json:"priority"`
	Status       string    `json:"status"`
	Category     string    `json:"category"`
	RequesterID  string    `json:"requester_id"`
	AssigneeID   *string   `json:"assignee_id"`
	UnitID       *string   `json:"unit_id"`
	EquipmentID  *string   `json:"equipment_id"`
	ContactPhone string    `json:"contact_phone"`
	ContactName  string    `json:"contact_name"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName maps Ticket to the portal table.
func (Ticket) TableName() string { return "tickets" }

// ShortID returns the short reference shown to users.
func (t *Ticket) ShortID() string {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToUpper(id)
}

// Assignment links equipment to a user.
type Assignment struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	EquipmentID string     `json:"equipment_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	Notes       string     `json:"notes"`
	AssignedAt  time.Time  `json:"assigned_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

// TableName maps Assignment to the portal table.
func (Assignment) TableName() string { return "assignments" }
