// Package recovery runs startup repairs for state a previous process left
// behind, such as deliveries interrupted mid-send or sessions that went idle
// while the service was down.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component that repairs its persisted state at startup.
// It returns how many records it touched.
type Recoverable interface {
	RecoverState(ctx context.Context) (int, error)
}

// Func adapts a function to Recoverable.
type Func func(ctx context.Context) (int, error)

// RecoverState implements Recoverable.
func (f Func) RecoverState(ctx context.Context) (int, error) { return f(ctx) }

type component struct {
	name string
	r    Recoverable
}

// Manager runs registered components in registration order.
type Manager struct {
	components []component
	timeout    time.Duration
}

// NewManager creates a Manager. A positive timeout bounds each component.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout}
}

// Register adds a named component.
func (m *Manager) Register(name string, r Recoverable) {
	m.components = append(m.components, component{name: name, r: r})
}

// Report summarizes one RecoverAll run.
type Report struct {
	Recovered map[string]int
	Failed    map[string]error
}

// RecoverAll runs every component even when earlier ones fail and returns
// an error naming the failures.
func (m *Manager) RecoverAll(ctx context.Context) (Report, error) {
	slog.Info("Starting startup recovery", "components", len(m.components))
	report := Report{Recovered: make(map[string]int), Failed: make(map[string]error)}

	for _, c := range m.components {
		n, err := m.run(ctx, c)
		if err != nil {
			slog.Error("Component recovery failed", "component", c.name, "error", err)
			report.Failed[c.name] = err
			continue
		}
		report.Recovered[c.name] = n
		if n > 0 {
			slog.Info("Component recovered", "component", c.name, "records", n)
		}
	}

	slog.Info("Startup recovery completed", "recovered", len(report.Recovered), "errors", len(report.Failed))
	if len(report.Failed) > 0 {
		return report, fmt.Errorf("recovery completed with %d errors out of %d components", len(report.Failed), len(m.components))
	}
	return report, nil
}

func (m *Manager) run(ctx context.Context, c component) (n int, err error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.r.RecoverState(ctx)
}
