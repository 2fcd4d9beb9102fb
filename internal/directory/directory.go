// Package directory adapts the helpdesk portal schema (profiles, units,
// equipment, tickets) for the flow engine and the notification pipeline.
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// Directory is the read/write contract against the external helpdesk schema.
// Lookups return nil without error when the row does not exist.
type Directory interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	FindProfileByPhone(ctx context.Context, phone string) (*models.Profile, error)
	GetUnit(ctx context.Context, id string) (*models.Unit, error)
	GetEquipment(ctx context.Context, id string) (*models.Equipment, error)
	CreateTicket(ctx context.Context, ticket *models.Ticket) (*models.Ticket, error)
}

// ChangeHook receives a database-webhook shaped change for rows written
// through the directory.
type ChangeHook func(ctx context.Context, change models.RawChange)

// prepareTicket fills defaults for a ticket opened by the service.
func prepareTicket(t *models.Ticket, now time.Time) {
	if t.ID == "" {
		t.ID = util.NewUUID()
	}
	if t.Status == "" {
		t.Status = models.TicketStatusOpen
	}
	if t.Priority == "" {
		t.Priority = models.PriorityMedium
	}
	if t.Source == "" {
		t.Source = models.TicketSourceWhatsApp
	}
	if strings.TrimSpace(t.Title) == "" {
		t.Title = "Chamado via WhatsApp"
	}
	t.ContactPhone = util.CanonicalPhone(t.ContactPhone)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// publishInsert hands the created row to hook in the background, detached
// from the caller's cancellation.
func publishInsert(ctx context.Context, hook ChangeHook, table string, row interface{}) {
	if hook == nil {
		return
	}
	record, err := json.Marshal(row)
	if err != nil {
		slog.Error("Directory.publishInsert: marshal failed", "table", table, "error", err)
		return
	}
	change := models.RawChange{Type: string(models.OperationInsert), Table: table, Schema: "public", Record: record}
	go hook(context.WithoutCancel(ctx), change)
}

func phoneCandidates(phone string) []string {
	canonical := util.CanonicalPhone(phone)
	if canonical == "" {
		return nil
	}
	return []string{canonical, "+" + canonical}
}
