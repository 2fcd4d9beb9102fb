package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/directory"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// Captured-input keys written by create_ticket.
const (
	CapturedTicketID     = "ticket_id"
	CapturedTicketNumber = "ticket_number"
)

// ErrUnknownAction is returned for action types without a registered handler.
var ErrUnknownAction = errors.New("unknown action type")

// ActionContext is what an action may read and change.
type ActionContext struct {
	Session   *models.ConversationSession
	Directory directory.Directory
	Now       time.Time
}

// ActionFunc executes one action with already interpolated params.
type ActionFunc func(ctx context.Context, ac *ActionContext, params map[string]string) error

// ActionRegistry maps action types to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
}

// NewActionRegistry returns a registry with the built-in actions.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{handlers: make(map[string]ActionFunc)}
	r.Register(models.ActionCreateTicket, createTicket)
	r.Register(models.ActionSetVariable, setVariable)
	return r
}

// Register adds or replaces the handler for kind.
func (r *ActionRegistry) Register(kind string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// Execute runs the handler registered for kind.
func (r *ActionRegistry) Execute(ctx context.Context, ac *ActionContext, kind string, params map[string]string) error {
	r.mu.RLock()
	fn, ok := r.handlers[kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	return fn(ctx, ac, params)
}

// setVariable stores params["value"] under params["key"].
func setVariable(_ context.Context, ac *ActionContext, params map[string]string) error {
	key := strings.TrimSpace(params["key"])
	if key == "" {
		return &models.ValidationError{Field: "key", Reason: "set_variable requires a key"}
	}
	ac.Session.CapturedInputs[key] = params["value"]
	return nil
}

// createTicket opens a helpdesk ticket on behalf of the counterparty.
func createTicket(ctx context.Context, ac *ActionContext, params map[string]string) error {
	if ac.Directory == nil {
		return &models.ConfigurationError{Component: "flow", Reason: "create_ticket requires a directory"}
	}
	sess := ac.Session
	phone := sess.Metadata[models.SessionKeyPhone]
	if phone == "" {
		phone = sess.CounterpartyID
	}

	requester, err := ac.Directory.FindProfileByPhone(ctx, phone)
	if err != nil {
		return fmt.Errorf("lookup requester: %w", err)
	}

	ticket := &models.Ticket{
		Title:        strings.TrimSpace(params["title"]),
		Description:  strings.TrimSpace(params["description"]),
		Priority:     normalizePriority(params["priority"]),
		Category:     strings.TrimSpace(params["category"]),
		ContactPhone: phone,
		ContactName:  sess.Metadata[models.SessionKeyPushName],
		CreatedAt:    ac.Now,
	}
	if ticket.Description == "" {
		ticket.Description = describeInputs(sess.CapturedInputs)
	}
	if eq := strings.TrimSpace(params["equipment_id"]); eq != "" {
		ticket.EquipmentID = &eq
	}
	if requester != nil {
		ticket.RequesterID = requester.ID
		if requester.UnitID != "" {
			unit := requester.UnitID
			ticket.UnitID = &unit
		}
		if ticket.ContactName == "" {
			ticket.ContactName = requester.FullName
		}
	}

	created, err := ac.Directory.CreateTicket(ctx, ticket)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	sess.CapturedInputs[CapturedTicketID] = created.ID
	sess.CapturedInputs[CapturedTicketNumber] = created.ShortID()
	return nil
}

// normalizePriority maps free text onto the portal's priority values.
// Unknown values yield "" so the directory applies its default.
func normalizePriority(p string) string {
	switch fold(p) {
	case "baixa", "low":
		return models.PriorityLow
	case "media", "medium":
		return models.PriorityMedium
	case "alta", "high":
		return models.PriorityHigh
	case "critica", "urgente", "critical":
		return models.PriorityCritical
	default:
		return ""
	}
}

// describeInputs renders captured inputs as sorted "key: value" lines.
func describeInputs(inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(inputs[k])
	}
	return b.String()
}
