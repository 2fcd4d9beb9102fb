package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/notify"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

func TestRecoverAllRunsInOrder(t *testing.T) {
	var order []string
	m := NewManager(0)
	m.Register("first", Func(func(ctx context.Context) (int, error) {
		order = append(order, "first")
		return 2, nil
	}))
	m.Register("second", Func(func(ctx context.Context) (int, error) {
		order = append(order, "second")
		return 0, nil
	}))

	report, err := m.RecoverAll(context.Background())
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if strings.Join(order, ",") != "first,second" {
		t.Errorf("order = %v", order)
	}
	if report.Recovered["first"] != 2 || report.Recovered["second"] != 0 || len(report.Failed) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRecoverAllContinuesAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	m := NewManager(0)
	m.Register("broken", Func(func(ctx context.Context) (int, error) { return 0, boom }))
	m.Register("panics", Func(func(ctx context.Context) (int, error) { panic("bad state") }))
	m.Register("healthy", Func(func(ctx context.Context) (int, error) {
		ran = true
		return 1, nil
	}))

	report, err := m.RecoverAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "2 errors out of 3") {
		t.Fatalf("expected aggregated error, got %v", err)
	}
	if !ran || report.Recovered["healthy"] != 1 {
		t.Error("healthy component should still run")
	}
	if !errors.Is(report.Failed["broken"], boom) {
		t.Errorf("broken: %v", report.Failed["broken"])
	}
	if !strings.Contains(report.Failed["panics"].Error(), "bad state") {
		t.Errorf("panics: %v", report.Failed["panics"])
	}
}

func TestRecoverAllBoundsEachComponent(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Register("slow", Func(func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}))

	report, err := m.RecoverAll(context.Background())
	if err == nil || !errors.Is(report.Failed["slow"], context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v / %+v", err, report)
	}
}

func TestRecoverStaleDeliveries(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	stale := &models.NotificationRecord{
		ID:          "n-1",
		PhoneNumber: "5511987654321",
		Message:     "Seu chamado foi registrado.",
		Status:      models.NotificationStatusPending,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
	if err := st.CreateNotification(ctx, stale); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	clock := func() time.Time { return start.Add(time.Hour) }
	d := notify.NewDispatcher(st, nil, notify.WithClock(clock))
	m := NewManager(time.Second)
	m.Register("notifications", Func(func(ctx context.Context) (int, error) {
		return d.RecoverStalePending(ctx, 5*time.Minute)
	}))

	report, err := m.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if report.Recovered["notifications"] != 1 {
		t.Errorf("recovered = %d, want 1", report.Recovered["notifications"])
	}
	got, _ := st.GetNotification(ctx, "n-1")
	if got.Status != models.NotificationStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}
