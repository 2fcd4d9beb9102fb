package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// InMemoryStore is a mutex-guarded store used in tests and when no DSN is configured.
type InMemoryStore struct {
	mu            sync.RWMutex
	flows         map[string]models.Flow
	steps         map[string][]models.FlowStep
	sessions      map[string]*models.ConversationSession
	notifications []models.NotificationRecord
	dedup         map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.Flow),
		steps:    make(map[string][]models.FlowStep),
		sessions: make(map[string]*models.ConversationSession),
		dedup:    make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) ListActiveFlows(ctx context.Context) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, f := range s.flows {
		if f.IsActive {
			out = append(out, copyFlow(f))
		}
	}
	sortFlows(out)
	return out, nil
}

func (s *InMemoryStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, copyFlow(f))
	}
	sortFlows(out)
	return out, nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	f = copyFlow(f)
	return &f, nil
}

func (s *InMemoryStore) ListSteps(ctx context.Context, flowID string) ([]models.FlowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.steps[flowID]
	out := make([]models.FlowStep, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, flow models.Flow, steps []models.FlowStep) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	if err := checkStepOrders(steps); err != nil {
		return err
	}
	stored := make([]models.FlowStep, len(steps))
	for i, st := range steps {
		st.FlowID = flow.ID
		if err := st.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", st.ID, err)
		}
		stored[i] = st
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Order < stored[j].Order })

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.flows[flow.ID]; ok {
		flow.CreatedAt = prev.CreatedAt
	} else if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	s.flows[flow.ID] = copyFlow(flow)
	s.steps[flow.ID] = stored
	return nil
}

func (s *InMemoryStore) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
	delete(s.steps, id)
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, counterpartyID string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[counterpartyID].Clone(), nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.sessions[session.CounterpartyID]
	switch {
	case session.Version == 0 && exists:
		return models.ErrConcurrencyConflict
	case session.Version != 0 && (!exists || cur.Version != session.Version):
		return models.ErrConcurrencyConflict
	}
	session.Version++
	stored := session.Clone()
	if exists {
		stored.StartedAt = cur.StartedAt
	}
	s.sessions[session.CounterpartyID] = stored
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, counterpartyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, counterpartyID)
	return nil
}

func (s *InMemoryStore) DeleteIdleSessions(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.LastActivityAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CreateNotification(ctx context.Context, rec *models.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.notifications {
		if r.ID == rec.ID {
			return fmt.Errorf("notification %s already exists", rec.ID)
		}
	}
	s.notifications = append(s.notifications, copyRecord(*rec))
	return nil
}

func (s *InMemoryStore) UpdateNotification(ctx context.Context, rec *models.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == rec.ID {
			cur := &s.notifications[i]
			cur.Status = rec.Status
			cur.GatewayMessageID = rec.GatewayMessageID
			cur.ErrorMessage = rec.ErrorMessage
			cur.SentAt = copyTime(rec.SentAt)
			cur.UpdatedAt = rec.UpdatedAt
			return nil
		}
	}
	return fmt.Errorf("%w: %s", models.ErrNotificationMissing, rec.ID)
}

func (s *InMemoryStore) GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.notifications {
		if r.ID == id {
			c := copyRecord(r)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListNotifications(ctx context.Context, filter models.NotificationFilter) ([]models.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []models.NotificationRecord
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.notifications[i]
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.PhoneNumber != "" && r.PhoneNumber != filter.PhoneNumber {
			continue
		}
		if filter.TicketID != "" && r.TicketID != filter.TicketID {
			continue
		}
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, counterpartyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, CounterpartyID: counterpartyID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func sortFlows(flows []models.Flow) {
	sort.Slice(flows, func(i, j int) bool {
		if !flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].CreatedAt.Before(flows[j].CreatedAt)
		}
		return flows[i].ID < flows[j].ID
	})
}

func copyFlow(f models.Flow) models.Flow {
	f.TriggerKeywords = append([]string(nil), f.TriggerKeywords...)
	return f
}

func copyRecord(r models.NotificationRecord) models.NotificationRecord {
	r.SentAt = copyTime(r.SentAt)
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
