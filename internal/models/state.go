// Package models defines conversation session state for flow execution.
package models

import "time"

// Session metadata keys.
const (
	SessionKeyPhone    = "phone"
	SessionKeyPushName = "push_name"
	SessionKeyFlowName = "flow_name"
	// SessionKeyActionStep holds the action step whose actions have started.
	SessionKeyActionStep = "action_step"
)

// ConversationSession is the live progress of one counterparty through an active flow.
// Version is the optimistic-concurrency stamp; zero means the session was never saved.
type ConversationSession struct {
	CounterpartyID string            `json:"counterparty_id"`
	ActiveFlowID   string            `json:"active_flow_id"`
	CurrentStepID  string            `json:"current_step_id"`
	CapturedInputs map[string]string `json:"captured_inputs,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Version        int64             `json:"version"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// NewConversationSession creates an unsaved session positioned at the given step.
func NewConversationSession(counterpartyID, flowID, stepID string, now time.Time) *ConversationSession {
	return &ConversationSession{
		CounterpartyID: counterpartyID,
		ActiveFlowID:   flowID,
		CurrentStepID:  stepID,
		CapturedInputs: make(map[string]string),
		Metadata:       map[string]string{SessionKeyPhone: counterpartyID},
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// IsIdle reports whether the session has been untouched for longer than timeout.
func (s *ConversationSession) IsIdle(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(s.LastActivityAt) > timeout
}

// Clone returns a deep copy so callers can mutate it without touching the stored value.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	c := *s
	c.CapturedInputs = make(map[string]string, len(s.CapturedInputs))
	for k, v := range s.CapturedInputs {
		c.CapturedInputs[k] = v
	}
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
