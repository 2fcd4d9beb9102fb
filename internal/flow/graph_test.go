package flow

import (
	"errors"
	"testing"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

func step(id string, order int, kind models.StepType) models.FlowStep {
	return models.FlowStep{ID: id, FlowID: "f1", Order: order, StepType: kind, MessageText: id}
}

func condition(id string, order int, onSuccess, onFailure string) models.FlowStep {
	s := step(id, order, models.StepTypeCondition)
	s.ConditionField = "answer"
	s.ConditionOperator = models.OperatorEquals
	s.ConditionValue = "sim"
	s.NextStepOnSuccess = onSuccess
	s.NextStepOnFailure = onFailure
	return s
}

func TestCompileResolvesSuccessors(t *testing.T) {
	flow := models.Flow{ID: "f1", Name: "Test", IsActive: true}
	steps := []models.FlowStep{
		condition("c3", 3, "m5", ""),
		step("m1", 1, models.StepTypeMessage),
		step("i2", 2, models.StepTypeInput),
		step("m4", 4, models.StepTypeMessage),
		step("m5", 5, models.StepTypeMessage),
	}

	g, err := Compile(flow, steps)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if g.First() != "m1" {
		t.Errorf("First() = %q, want m1", g.First())
	}
	if g.Len() != 5 {
		t.Errorf("Len() = %d, want 5", g.Len())
	}

	c := g.Node("c3")
	if c.Next() != "m5" {
		t.Errorf("c3 Next() = %q, want m5", c.Next())
	}
	if c.OnFailure() != "m4" {
		t.Errorf("c3 OnFailure() = %q, want linear m4", c.OnFailure())
	}
	if g.Node("m5").Next() != "" {
		t.Errorf("last step should have no successor, got %q", g.Node("m5").Next())
	}
	if g.Node("missing") != nil {
		t.Error("Node(missing) should be nil")
	}
}

func TestCompileRejectsInvalidFlows(t *testing.T) {
	flow := models.Flow{ID: "f1", Name: "Test", IsActive: true}
	bad := step("x", 2, models.StepType("jump"))
	foreign := step("m2", 2, models.StepTypeMessage)
	foreign.FlowID = "other"

	tests := []struct {
		name  string
		steps []models.FlowStep
		want  error
	}{
		{"empty", nil, ErrEmptyFlow},
		{"duplicate order", []models.FlowStep{step("a", 1, models.StepTypeMessage), step("b", 1, models.StepTypeMessage)}, models.ErrDuplicateStepOrder},
		{"duplicate id", []models.FlowStep{step("a", 1, models.StepTypeMessage), step("a", 2, models.StepTypeMessage)}, ErrDuplicateStepID},
		{"missing id", []models.FlowStep{step("", 1, models.StepTypeMessage)}, ErrMissingStepID},
		{"unknown branch", []models.FlowStep{step("i1", 1, models.StepTypeInput), condition("c2", 2, "nowhere", "")}, ErrUnknownBranch},
		{"unknown type", []models.FlowStep{step("a", 1, models.StepTypeMessage), bad}, models.ErrInvalidStepType},
		{"foreign step", []models.FlowStep{step("m1", 1, models.StepTypeMessage), foreign}, ErrStepBelongsToOther},
		{"cycle without input", []models.FlowStep{step("m1", 1, models.StepTypeMessage), condition("c2", 2, "", "m1")}, ErrCycleWithoutInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(flow, tt.steps)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Compile error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompileAllowsCycleThroughInput(t *testing.T) {
	flow := models.Flow{ID: "f1", Name: "Loop", IsActive: true}
	steps := []models.FlowStep{
		step("i1", 1, models.StepTypeInput),
		condition("c2", 2, "m3", "i1"),
		step("m3", 3, models.StepTypeMessage),
	}
	if _, err := Compile(flow, steps); err != nil {
		t.Fatalf("cycle through an input step should compile: %v", err)
	}
}
