package notify

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

var created = time.Date(2024, 5, 10, 12, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func ticketEvent(action models.MutationAction) *models.MutationEvent {
	return &models.MutationEvent{
		Table:     models.TableTickets,
		Operation: models.OperationInsert,
		Action:    action,
		Ticket: &models.TicketChange{
			Ticket: models.Ticket{
				ID: "3f2a9c1e-0000-4000-8000-000000000001", Title: "Impressora sem toner",
				Priority: models.PriorityHigh, Status: models.TicketStatusOpen,
				RequesterID: "u1", CreatedAt: created, UpdatedAt: created,
			},
			Requester: &models.Profile{ID: "u1", FullName: "Ana Souza", Phone: "+55 11 98765-4321"},
			Unit:      &models.Unit{ID: "unit-1", Name: "Escola Central"},
		},
	}
}

func TestComposeTicketCreated(t *testing.T) {
	c := NewComposer(nil)
	intents := c.Compose(ticketEvent(models.ActionCreated))
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(intents))
	}
	in := intents[0]
	if in.RecipientPhone != "5511987654321" || in.TemplateKind != models.TemplateTicketCreated {
		t.Errorf("unexpected intent %+v", in)
	}
	if in.EntityRefs.TicketID == "" || in.EntityRefs.UserID != "u1" {
		t.Errorf("unexpected refs %+v", in.EntityRefs)
	}
	want := "Olá, Ana! Seu chamado #3F2A9C1E foi registrado.\n" +
		"Título: Impressora sem toner\n" +
		"Prioridade: Alta\n" +
		"Status: Aberto\n" +
		"Aberto em: 10/05/2024 09:30"
	if in.RenderedMessage != want {
		t.Errorf("message =\n%s\nwant\n%s", in.RenderedMessage, want)
	}
}

func TestComposeUsesConfiguredLocation(t *testing.T) {
	c := NewComposer(time.UTC)
	msg := c.Compose(ticketEvent(models.ActionCreated))[0].RenderedMessage
	if !strings.HasSuffix(msg, "10/05/2024 12:30") {
		t.Errorf("expected UTC date, got %q", msg)
	}
}

func TestComposeIsIdempotent(t *testing.T) {
	ev := ticketEvent(models.ActionCreated)
	ev.Ticket.Assignee = &models.Profile{ID: "tech", FullName: "Bruno Lima", Phone: "5511912345678"}
	ev.Ticket.Ticket.AssigneeID = strPtr("tech")

	first := NewComposer(nil).Compose(ev)
	second := NewComposer(nil).Compose(ev)
	if len(first) != 2 {
		t.Fatalf("expected requester and assignee intents, got %d", len(first))
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("composition is not deterministic:\n%+v\n%+v", first, second)
	}
	if first[1].TemplateKind != models.TemplateTicketAssigned || !strings.Contains(first[1].RenderedMessage, "Solicitante: Ana Souza") {
		t.Errorf("unexpected assignee intent %+v", first[1])
	}
}

func TestComposeRequesterWithoutPhone(t *testing.T) {
	ev := ticketEvent(models.ActionCreated)
	ev.Ticket.Requester.Phone = ""
	if got := NewComposer(nil).Compose(ev); len(got) != 0 {
		t.Fatalf("expected no intents, got %+v", got)
	}

	// WhatsApp-originated tickets fall back to the contact phone.
	ev.Ticket.Ticket.ContactPhone = "5511987650000"
	got := NewComposer(nil).Compose(ev)
	if len(got) != 1 || got[0].RecipientPhone != "5511987650000" {
		t.Fatalf("expected contact phone fallback, got %+v", got)
	}
}

func TestComposeTicketStatus(t *testing.T) {
	c := NewComposer(nil)

	ev := ticketEvent(models.ActionStatusChanged)
	ev.Ticket.Previous = &models.Ticket{Status: models.TicketStatusOpen}
	ev.Ticket.Ticket.Status = models.TicketStatusInProgress
	got := c.Compose(ev)
	if len(got) != 1 || got[0].TemplateKind != models.TemplateTicketStatusChanged {
		t.Fatalf("unexpected intents %+v", got)
	}
	if !strings.Contains(got[0].RenderedMessage, "mudou de Aberto para Em andamento.") {
		t.Errorf("message = %q", got[0].RenderedMessage)
	}

	ev.Ticket.Ticket.Status = models.TicketStatusResolved
	if got := c.Compose(ev); got[0].TemplateKind != models.TemplateTicketResolved {
		t.Errorf("resolved ticket should use the resolved template, got %s", got[0].TemplateKind)
	}

	if got := c.Compose(ticketEvent(models.ActionUpdated)); len(got) != 0 {
		t.Errorf("plain updates should not notify, got %+v", got)
	}
}

func TestComposeAssignmentAndEquipment(t *testing.T) {
	c := NewComposer(nil)
	eq := &models.Equipment{ID: "eq1", Name: "Notebook", Brand: "Dell", Model: "Latitude", AssetTag: "PAT-9", Status: models.EquipmentStatusMaintenance}
	finished := created.Add(time.Hour)

	got := c.Compose(&models.MutationEvent{
		Table:  models.TableAssignments,
		Action: models.ActionCompleted,
		Assignment: &models.AssignmentChange{
			Assignment: models.Assignment{ID: "a1", EquipmentID: "eq1", UserID: "u1", Status: models.AssignmentStatusReturned, FinishedAt: &finished},
			User:       &models.Profile{ID: "u1", FullName: "Ana Souza", Phone: "5511987654321"},
			Equipment:  eq,
		},
	})
	if len(got) != 1 || got[0].TemplateKind != models.TemplateAssignmentCompleted {
		t.Fatalf("unexpected intents %+v", got)
	}
	want := "Olá, Ana! A atribuição do equipamento Notebook (Dell Latitude) - patrimônio PAT-9 foi encerrada (Devolvido) em 10/05/2024 10:30."
	if got[0].RenderedMessage != want {
		t.Errorf("message = %q", got[0].RenderedMessage)
	}
	if got[0].EntityRefs.AssignmentID != "a1" || got[0].EntityRefs.EquipmentID != "eq1" {
		t.Errorf("refs = %+v", got[0].EntityRefs)
	}

	got = c.Compose(&models.MutationEvent{
		Table:  models.TableEquipment,
		Action: models.ActionStatusChanged,
		Equipment: &models.EquipmentChange{
			Equipment: *eq,
			Previous:  &models.Equipment{Status: models.EquipmentStatusInUse},
			Unit:      &models.Unit{ID: "unit-1", Name: "Escola Central", ContactPhone: "551133334444"},
		},
	})
	if len(got) != 1 || got[0].RecipientPhone != "551133334444" {
		t.Fatalf("unexpected equipment intents %+v", got)
	}
	if !strings.HasSuffix(got[0].RenderedMessage, "mudou de Em uso para Em manutenção.") {
		t.Errorf("message = %q", got[0].RenderedMessage)
	}
}
