package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SentMessage is one message recorded by MockGateway.
type SentMessage struct {
	Phone   string
	Message string
}

// MockGateway records sends in memory.
type MockGateway struct {
	mu   sync.Mutex
	sent []SentMessage
	seq  atomic.Int64
	// Err, when set, is returned by every Send.
	Err error
}

// NewMockGateway creates an empty MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Name implements Gateway.
func (m *MockGateway) Name() string { return "mock" }

// Send implements Gateway.
func (m *MockGateway) Send(ctx context.Context, phone, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.sent = append(m.sent, SentMessage{Phone: phone, Message: message})
	return fmt.Sprintf("mock-%d", m.seq.Add(1)), nil
}

// Sent returns a copy of the recorded messages.
func (m *MockGateway) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// LogGateway writes messages to the log instead of sending them.
type LogGateway struct {
	seq atomic.Int64
}

// Name implements Gateway.
func (l *LogGateway) Name() string { return "log" }

// Send implements Gateway.
func (l *LogGateway) Send(_ context.Context, phone, message string) (string, error) {
	id := fmt.Sprintf("log-%d", l.seq.Add(1))
	slog.Info("LogGateway.Send", "id", id, "phone", phone, "message", message)
	return id, nil
}

var (
	_ Gateway = (*HTTPGateway)(nil)
	_ Gateway = (*TwilioGateway)(nil)
	_ Gateway = (*MockGateway)(nil)
	_ Gateway = (*LogGateway)(nil)
)
