package flow

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

func TestMatchFlowsTieBreak(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	flows := []models.Flow{
		{ID: "b", Name: "B", IsActive: true, TriggerKeywords: []string{"computador"}, CreatedAt: base},
		{ID: "a", Name: "A", IsActive: true, TriggerKeywords: []string{"computador"}, CreatedAt: base},
		{ID: "c", Name: "C", IsActive: true, TriggerKeywords: []string{"computador"}, CreatedAt: base.Add(-time.Hour)},
		{ID: "long", Name: "Long", IsActive: true, TriggerKeywords: []string{"pc", "COMPUTADOR LENTO"}, CreatedAt: base.Add(time.Hour)},
		{ID: "off", Name: "Off", IsActive: false, TriggerKeywords: []string{"computador lento demais"}},
	}

	got := MatchFlows(flows, "Meu Computador lento demais")
	want := []string{"long", "c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("MatchFlows returned %d candidates, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].Flow.ID != id {
			t.Errorf("candidate %d = %s, want %s", i, got[i].Flow.ID, id)
		}
	}
	if got[0].Keyword != "computador lento" {
		t.Errorf("keyword = %q, want folded longest keyword", got[0].Keyword)
	}

	// Same input, shuffled order, same winner.
	flows[0], flows[3] = flows[3], flows[0]
	if again := MatchFlows(flows, "Meu Computador lento demais"); again[0].Flow.ID != "long" {
		t.Errorf("winner depends on input order: %s", again[0].Flow.ID)
	}
}

func TestMatchFlowsUnicodeFolding(t *testing.T) {
	flows := []models.Flow{{ID: "f", Name: "F", IsActive: true, TriggerKeywords: []string{"impressão"}}}
	if got := MatchFlows(flows, "A IMPRESSÃO falhou"); len(got) != 1 {
		t.Fatalf("expected case-folded match, got %d", len(got))
	}
	if got := MatchFlows(flows, "   "); got != nil {
		t.Fatalf("blank text should not match, got %v", got)
	}
}

func TestMatchFlowsAccentFolding(t *testing.T) {
	flows := []models.Flow{{ID: "f", Name: "F", IsActive: true, TriggerKeywords: []string{"impressão"}}}
	if got := MatchFlows(flows, "a impressao nao sai"); len(got) != 1 {
		t.Fatalf("unaccented text should match accented keyword, got %d", len(got))
	}
	if fold("Crítica") != fold("critica") {
		t.Errorf("fold(%q) = %q, fold(%q) = %q", "Crítica", fold("Crítica"), "critica", fold("critica"))
	}
	if got := fold("  ÇÃO  "); got != "cao" {
		t.Errorf("fold = %q, want %q", got, "cao")
	}
}

func TestMatchFlowsWinnerIgnoresInputOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vocab := []string{"pc", "rede", "rede lenta", "impressora", "impressora travada", "senha", "email"}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	const text = "minha rede lenta e a impressora travada, sem email e senha no pc"

	for round := 0; round < 200; round++ {
		n := 2 + rng.Intn(8)
		flows := make([]models.Flow, n)
		for i := range flows {
			kws := make([]string, 1+rng.Intn(3))
			for k := range kws {
				kws[k] = vocab[rng.Intn(len(vocab))]
			}
			flows[i] = models.Flow{
				ID:              fmt.Sprintf("f%02d", rng.Intn(100)*10+i),
				Name:            fmt.Sprintf("flow %d", i),
				IsActive:        rng.Intn(5) > 0,
				TriggerKeywords: kws,
				CreatedAt:       base.Add(time.Duration(rng.Intn(3)) * time.Hour),
			}
		}

		want := MatchFlows(flows, text)
		for shuffle := 0; shuffle < 20; shuffle++ {
			rng.Shuffle(len(flows), func(i, j int) { flows[i], flows[j] = flows[j], flows[i] })
			got := MatchFlows(flows, text)
			if len(got) != len(want) {
				t.Fatalf("round %d: %d candidates after shuffle, want %d", round, len(got), len(want))
			}
			for i := range want {
				if got[i].Flow.ID != want[i].Flow.ID {
					t.Fatalf("round %d: candidate %d = %s after shuffle, want %s", round, i, got[i].Flow.ID, want[i].Flow.ID)
				}
			}
		}
		if len(want) > 0 {
			assertBestCandidate(t, flows, want[0])
		}
	}
}

// assertBestCandidate checks the winner against every other matching flow.
func assertBestCandidate(t *testing.T, flows []models.Flow, winner Candidate) {
	t.Helper()
	for _, c := range MatchFlows(flows, "minha rede lenta e a impressora travada, sem email e senha no pc") {
		if c.Flow.ID == winner.Flow.ID {
			continue
		}
		lw, lc := len([]rune(winner.Keyword)), len([]rune(c.Keyword))
		switch {
		case lc > lw:
			t.Fatalf("%s has longer keyword %q than winner %s %q", c.Flow.ID, c.Keyword, winner.Flow.ID, winner.Keyword)
		case lc == lw && c.Flow.CreatedAt.Before(winner.Flow.CreatedAt):
			t.Fatalf("%s is older than winner %s with equal keyword length", c.Flow.ID, winner.Flow.ID)
		case lc == lw && c.Flow.CreatedAt.Equal(winner.Flow.CreatedAt) && c.Flow.ID < winner.Flow.ID:
			t.Fatalf("%s sorts before winner %s on ID", c.Flow.ID, winner.Flow.ID)
		}
	}
}

func TestIsCancel(t *testing.T) {
	kw := []string{"cancelar", "sair"}
	tests := []struct {
		text string
		want bool
	}{
		{"cancelar", true},
		{"  SAIR ", true},
		{"quero cancelar", false},
		{"", false},
		{"Cancelar chamado", false},
	}
	for _, tt := range tests {
		if got := isCancel(kw, tt.text); got != tt.want {
			t.Errorf("isCancel(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
