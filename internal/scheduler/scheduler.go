// Package scheduler runs HelpdeskPipe's periodic maintenance tasks.
//
// Jobs are scheduled with standard 5-field cron expressions or descriptors
// such as "@every 1m" and "@hourly".
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/HelpdeskPipe/internal/metrics"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

// DefaultSweepSchedule runs the idle session sweep every minute.
const DefaultSweepSchedule = "@every 1m"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SessionSweeper deletes conversation sessions that have been idle for
// longer than the timeout. Sessions that are still active are never touched.
type SessionSweeper struct {
	sessions store.SessionStore
	timeout  time.Duration
	now      func() time.Time
}

// NewSessionSweeper creates a sweeper. now may be nil.
func NewSessionSweeper(sessions store.SessionStore, timeout time.Duration, now func() time.Time) *SessionSweeper {
	if now == nil {
		now = time.Now
	}
	return &SessionSweeper{sessions: sessions, timeout: timeout, now: now}
}

// Sweep removes idle sessions and returns how many were deleted.
func (s *SessionSweeper) Sweep(ctx context.Context) (int, error) {
	if s.timeout <= 0 {
		return 0, nil
	}
	n, err := s.sessions.DeleteIdleSessions(ctx, s.now().Add(-s.timeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsSwept.Add(float64(n))
		slog.Info("SessionSweeper.Sweep: removed idle sessions", "count", n, "timeout", s.timeout)
	}
	return n, nil
}

// Schedule registers the sweep on sched. Each run is bounded to one minute.
func (s *SessionSweeper) Schedule(ctx context.Context, sched *Scheduler, expr string) error {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	return sched.AddJob(expr, func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := s.Sweep(rctx); err != nil {
			slog.Error("SessionSweeper: sweep failed", "error", err)
		}
	})
}
