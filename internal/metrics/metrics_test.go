package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	SessionsSwept.Add(2)
	if got := testutil.ToFloat64(SessionsSwept); got < 2 {
		t.Fatalf("SessionsSwept = %v, want >= 2", got)
	}

	if err := reg.Register(SessionsSwept); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestCollectorsListsEverything(t *testing.T) {
	if got := len(Collectors()); got != 8 {
		t.Fatalf("Collectors() returned %d, want 8", got)
	}
}
