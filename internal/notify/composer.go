// Package notify composes WhatsApp notifications from helpdesk mutations and
// delivers them through a gateway while keeping a delivery log.
package notify

import (
	"bytes"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// DateLayout is the pt-BR date format used in messages.
const DateLayout = "02/01/2006 15:04"

// DefaultLocation is used when no location is configured (Brasília time).
var DefaultLocation = time.FixedZone("BRT", -3*60*60)

var priorityLabels = map[string]string{
	models.PriorityLow:      "Baixa",
	models.PriorityMedium:   "Média",
	models.PriorityHigh:     "Alta",
	models.PriorityCritical: "Crítica",
}

var statusLabels = map[string]string{
	models.TicketStatusOpen:           "Aberto",
	models.TicketStatusInProgress:     "Em andamento",
	models.TicketStatusWaiting:        "Aguardando",
	models.TicketStatusResolved:       "Resolvido",
	models.TicketStatusClosed:         "Fechado",
	models.AssignmentStatusActive:     "Ativo",
	models.AssignmentStatusFinished:   "Finalizado",
	models.AssignmentStatusCompleted:  "Concluído",
	models.AssignmentStatusReturned:   "Devolvido",
	models.EquipmentStatusAvailable:   "Disponível",
	models.EquipmentStatusInUse:       "Em uso",
	models.EquipmentStatusMaintenance: "Em manutenção",
	models.EquipmentStatusRetired:     "Baixado",
}

// Template sources, keyed by the name used in Compose.
var templateSources = map[string]string{
	"ticket_created_requester": `Olá{{with .Name}}, {{.}}{{end}}! Seu chamado #{{.Ticket.ShortID}} foi registrado.
Título: {{.Ticket.Title}}
Prioridade: {{priority .Ticket.Priority}}
Status: {{status .Ticket.Status}}
Aberto em: {{date .Ticket.CreatedAt}}`,

	"ticket_assigned_assignee": `Olá{{with .Name}}, {{.}}{{end}}! O chamado #{{.Ticket.ShortID}} foi atribuído a você.
Título: {{.Ticket.Title}}
Prioridade: {{priority .Ticket.Priority}}
{{- with .Requester}}
Solicitante: {{.FullName}}{{end}}
{{- with .Unit}}
Unidade: {{.Name}}{{end}}`,

	"ticket_assigned_requester": `Olá{{with .Name}}, {{.}}{{end}}! Seu chamado #{{.Ticket.ShortID}} está com {{with .Assignee}}{{.FullName}}{{else}}nossa equipe técnica{{end}}.`,

	"ticket_status_requester": `Olá{{with .Name}}, {{.}}{{end}}! O status do seu chamado #{{.Ticket.ShortID}} mudou
{{- with .Previous}} de {{status .Status}}{{end}} para {{status .Ticket.Status}}.
Atualizado em: {{date .Ticket.UpdatedAt}}`,

	"ticket_resolved_requester": `Olá{{with .Name}}, {{.}}{{end}}! Seu chamado #{{.Ticket.ShortID}} foi {{if eq .Ticket.Status "fechado"}}fechado{{else}}resolvido{{end}}.
Título: {{.Ticket.Title}}
Se o problema persistir, envie uma nova mensagem.`,

	"equipment_assigned_user": `Olá{{with .Name}}, {{.}}{{end}}! O equipamento {{equipment .Equipment}} foi atribuído a você em {{date .Assignment.AssignedAt}}.`,

	"assignment_completed_user": `Olá{{with .Name}}, {{.}}{{end}}! A atribuição do equipamento {{equipment .Equipment}} foi encerrada ({{status .Assignment.Status}}){{with .Assignment.FinishedAt}} em {{date .}}{{end}}.`,

	"assignment_updated_user": `Olá{{with .Name}}, {{.}}{{end}}! A atribuição do equipamento {{equipment .Equipment}} foi atualizada. Status: {{status .Assignment.Status}}.
{{- with .Assignment.Notes}}
Observações: {{.}}{{end}}`,

	"equipment_registered_unit": `O equipamento {{equipment .Equipment}} foi cadastrado{{with .Unit}} na unidade {{.Name}}{{end}}.`,

	"equipment_status_unit": `O equipamento {{equipment .Equipment}}{{with .Unit}} da unidade {{.Name}}{{end}} mudou
{{- with .PreviousEquipment}} de {{status .Status}}{{end}} para {{status .Equipment.Status}}.`,
}

// view is the data passed to every template.
type view struct {
	Name              string
	Ticket            *models.Ticket
	Previous          *models.Ticket
	Requester         *models.Profile
	Assignee          *models.Profile
	Unit              *models.Unit
	Assignment        *models.Assignment
	Equipment         *models.Equipment
	PreviousEquipment *models.Equipment
}

// Composer renders notification intents from mutation events. It keeps no
// state between calls, so the same event always yields the same intents.
type Composer struct {
	loc       *time.Location
	templates map[string]*template.Template
}

// NewComposer parses the message templates. A nil location uses DefaultLocation.
func NewComposer(loc *time.Location) *Composer {
	if loc == nil {
		loc = DefaultLocation
	}
	c := &Composer{loc: loc, templates: make(map[string]*template.Template, len(templateSources))}
	funcs := template.FuncMap{
		"priority":  label(priorityLabels),
		"status":    label(statusLabels),
		"date":      c.formatDate,
		"equipment": describeEquipment,
	}
	for name, src := range templateSources {
		c.templates[name] = template.Must(template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(src))
	}
	return c
}

// Compose returns the intents for ev in a fixed order. Recipients without a
// phone number are skipped.
func (c *Composer) Compose(ev *models.MutationEvent) []models.NotificationIntent {
	if ev == nil {
		return nil
	}
	var out []models.NotificationIntent
	add := func(phone string, kind models.TemplateKind, tmpl string, v view, refs models.EntityRefs) {
		phone = util.CanonicalPhone(phone)
		if phone == "" {
			slog.Debug("Composer.Compose: recipient has no phone, skipping", "template", tmpl)
			return
		}
		msg, err := c.render(tmpl, v)
		if err != nil {
			slog.Error("Composer.Compose: render failed", "template", tmpl, "error", err)
			return
		}
		out = append(out, models.NotificationIntent{RecipientPhone: phone, TemplateKind: kind, EntityRefs: refs, RenderedMessage: msg})
	}

	switch {
	case ev.Ticket != nil:
		c.composeTicket(ev.Action, ev.Ticket, add)
	case ev.Assignment != nil:
		c.composeAssignment(ev.Action, ev.Assignment, add)
	case ev.Equipment != nil:
		c.composeEquipment(ev.Action, ev.Equipment, add)
	}
	return out
}

type addFunc func(phone string, kind models.TemplateKind, tmpl string, v view, refs models.EntityRefs)

func (c *Composer) composeTicket(action models.MutationAction, tc *models.TicketChange, add addFunc) {
	t := &tc.Ticket
	base := view{Ticket: t, Previous: tc.Previous, Requester: tc.Requester, Assignee: tc.Assignee, Unit: tc.Unit}

	requesterPhone := t.ContactPhone
	requesterName := t.ContactName
	requesterRefs := models.EntityRefs{TicketID: t.ID}
	if tc.Requester != nil {
		requesterRefs.UserID = tc.Requester.ID
		requesterName = tc.Requester.FullName
		if tc.Requester.Phone != "" {
			requesterPhone = tc.Requester.Phone
		}
	}
	toRequester := func(kind models.TemplateKind, tmpl string) {
		v := base
		v.Name = firstName(requesterName)
		add(requesterPhone, kind, tmpl, v, requesterRefs)
	}
	toAssignee := func() {
		if tc.Assignee == nil {
			return
		}
		v := base
		v.Name = firstName(tc.Assignee.FullName)
		add(tc.Assignee.Phone, models.TemplateTicketAssigned, "ticket_assigned_assignee", v,
			models.EntityRefs{TicketID: t.ID, UserID: tc.Assignee.ID})
	}

	switch action {
	case models.ActionCreated:
		toRequester(models.TemplateTicketCreated, "ticket_created_requester")
		toAssignee()
	case models.ActionAssigneeChanged:
		toAssignee()
		toRequester(models.TemplateTicketAssigned, "ticket_assigned_requester")
	case models.ActionStatusChanged:
		// A status change wins the action, but a new assignee still hears about it.
		if tc.AssigneeChanged() {
			toAssignee()
		}
		if t.Status == models.TicketStatusResolved || t.Status == models.TicketStatusClosed {
			toRequester(models.TemplateTicketResolved, "ticket_resolved_requester")
		} else {
			toRequester(models.TemplateTicketStatusChanged, "ticket_status_requester")
		}
	}
}

func (c *Composer) composeAssignment(action models.MutationAction, ac *models.AssignmentChange, add addFunc) {
	if ac.User == nil {
		return
	}
	a := &ac.Assignment
	v := view{Name: firstName(ac.User.FullName), Assignment: a, Equipment: ac.Equipment}
	refs := models.EntityRefs{UserID: ac.User.ID, EquipmentID: a.EquipmentID, AssignmentID: a.ID}

	switch action {
	case models.ActionAssigned:
		add(ac.User.Phone, models.TemplateEquipmentAssigned, "equipment_assigned_user", v, refs)
	case models.ActionCompleted:
		add(ac.User.Phone, models.TemplateAssignmentCompleted, "assignment_completed_user", v, refs)
	case models.ActionUpdated:
		add(ac.User.Phone, models.TemplateAssignmentUpdated, "assignment_updated_user", v, refs)
	}
}

func (c *Composer) composeEquipment(action models.MutationAction, ec *models.EquipmentChange, add addFunc) {
	if ec.Unit == nil {
		return
	}
	v := view{Equipment: &ec.Equipment, PreviousEquipment: ec.Previous, Unit: ec.Unit}
	refs := models.EntityRefs{EquipmentID: ec.Equipment.ID}

	switch action {
	case models.ActionCreated:
		add(ec.Unit.ContactPhone, models.TemplateEquipmentRegistered, "equipment_registered_unit", v, refs)
	case models.ActionStatusChanged:
		add(ec.Unit.ContactPhone, models.TemplateEquipmentStatus, "equipment_status_unit", v, refs)
	}
}

func (c *Composer) render(name string, v view) (string, error) {
	var buf bytes.Buffer
	if err := c.templates[name].Execute(&buf, v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// formatDate accepts time.Time or *time.Time; zero values render as "-".
func (c *Composer) formatDate(v interface{}) string {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case *time.Time:
		if x != nil {
			t = *x
		}
	}
	if t.IsZero() {
		return "-"
	}
	return t.In(c.loc).Format(DateLayout)
}

func label(labels map[string]string) func(string) string {
	return func(key string) string {
		if l, ok := labels[key]; ok {
			return l
		}
		return key
	}
}

func describeEquipment(e *models.Equipment) string {
	if e == nil {
		return "(não identificado)"
	}
	return e.Descriptor()
}

func firstName(full string) string {
	if fields := strings.Fields(full); len(fields) > 0 {
		return fields[0]
	}
	return ""
}
