package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	for _, expr := range []string{"* * * * *", "@every 1m", "@hourly"} {
		if err := s.AddJob(expr, func() {}); err != nil {
			t.Errorf("AddJob(%q): %v", expr, err)
		}
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestSessionSweeperOnlyDeletesIdle(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	idle := &models.ConversationSession{CounterpartyID: "5511900000001", ActiveFlowID: "f", CurrentStepID: "s", LastActivityAt: now.Add(-2 * time.Hour)}
	active := &models.ConversationSession{CounterpartyID: "5511900000002", ActiveFlowID: "f", CurrentStepID: "s", LastActivityAt: now.Add(-5 * time.Minute)}
	for _, sess := range []*models.ConversationSession{idle, active} {
		if err := st.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	sw := NewSessionSweeper(st, 30*time.Minute, func() time.Time { return now })
	n, err := sw.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", n, err)
	}
	if got, _ := st.GetSession(ctx, idle.CounterpartyID); got != nil {
		t.Error("idle session should be deleted")
	}
	if got, _ := st.GetSession(ctx, active.CounterpartyID); got == nil {
		t.Error("active session must be kept")
	}
}

func TestSessionSweeperDisabled(t *testing.T) {
	st := store.NewInMemoryStore()
	if n, err := NewSessionSweeper(st, 0, nil).Sweep(context.Background()); n != 0 || err != nil {
		t.Errorf("Sweep = %d, %v", n, err)
	}
}

func TestSessionSweeperSchedule(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	sw := NewSessionSweeper(store.NewInMemoryStore(), time.Minute, nil)
	if err := sw.Schedule(context.Background(), s, ""); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sw.Schedule(context.Background(), s, "bogus"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
