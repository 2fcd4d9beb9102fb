package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

func TestLoadDefinitionsFile(t *testing.T) {
	defs, err := LoadDefinitionsFile("testdata/flows.yaml")
	if err != nil {
		t.Fatalf("LoadDefinitionsFile: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}

	d := defs[0]
	if d.ID != "abrir_chamado_tecnico" {
		t.Errorf("derived ID = %q", d.ID)
	}
	if !d.IsActive || len(d.TriggerKeywords) != 3 {
		t.Errorf("flow fields not decoded: %+v", d.Flow)
	}
	if len(d.Steps) != 5 || d.Steps[1].ID != "abrir_chamado_tecnico.2" || d.Steps[1].FlowID != d.ID {
		t.Errorf("step defaults not applied: %+v", d.Steps[1])
	}
	if d.Steps[2].InputType != models.InputTypeOption || len(d.Steps[2].InputOptions) != 4 {
		t.Errorf("option step not decoded: %+v", d.Steps[2])
	}
	if a := d.Steps[3].Actions; len(a) != 1 || a[0].Type != models.ActionCreateTicket || a[0].Params["title"] == "" {
		t.Errorf("actions not decoded: %+v", a)
	}

	if defs[1].ID != "horario" || defs[1].IsActive || defs[1].Steps[0].ID != "h1" {
		t.Errorf("explicit ids not kept: %+v", defs[1])
	}
}

func TestLoadDefinitionsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"duplicate order", `
flows:
  - name: X
    steps:
      - {order: 1, type: message}
      - {order: 1, type: message}
`, models.ErrDuplicateStepOrder},
		{"unknown branch", `
flows:
  - name: X
    steps:
      - {order: 1, type: input}
      - {order: 2, type: condition, field: a, operator: equals, on_success: nope}
`, ErrUnknownBranch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDefinitions(strings.NewReader(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := LoadDefinitions(strings.NewReader("flows:\n  - name: X\n    colour: red\n")); err == nil {
		t.Error("unknown fields should be rejected")
	}
}

func TestSeedFlowsThenTrigger(t *testing.T) {
	defs, err := LoadDefinitionsFile("testdata/flows.yaml")
	if err != nil {
		t.Fatalf("LoadDefinitionsFile: %v", err)
	}
	st := store.NewInMemoryStore()
	if err := SeedFlows(context.Background(), st, defs); err != nil {
		t.Fatalf("SeedFlows: %v", err)
	}

	active, _ := st.ListActiveFlows(context.Background())
	if len(active) != 1 {
		t.Fatalf("got %d active flows, want 1", len(active))
	}

	e := NewEngine(st, st)
	res := send(t, e, "A impressora NÃO LIGA")
	assertReplies(t, res.Replies, "Olá Ana! Vou registrar seu chamado.", "Descreva o problema")
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Abrir Chamado Técnico", "abrir_chamado_tecnico"},
		{"  Manutenção -- Sala 3 ", "manutencao_sala_3"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := slug(tt.in); got != tt.want {
			t.Errorf("slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
