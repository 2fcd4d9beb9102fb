package flow

import (
	"errors"
	"testing"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

func TestCoerceInput(t *testing.T) {
	options := []string{"Baixa", "Média", "Alta"}
	tests := []struct {
		name    string
		typ     models.InputType
		text    string
		want    string
		wantErr bool
	}{
		{"text trims", models.InputTypeText, "  tela quebrada ", "tela quebrada", false},
		{"default type is text", "", "ok", "ok", false},
		{"blank rejected", models.InputTypeText, "   ", "", true},
		{"number", models.InputTypeNumber, "42", "42", false},
		{"number with comma", models.InputTypeNumber, "3,5", "3.5", false},
		{"number invalid", models.InputTypeNumber, "três", "", true},
		{"option by index", models.InputTypeOption, "2", "Média", false},
		{"option by text", models.InputTypeOption, "ALTA", "Alta", false},
		{"option out of range", models.InputTypeOption, "4", "", true},
		{"yes", models.InputTypeYesNo, "Sim", AnswerYes, false},
		{"no with accent", models.InputTypeYesNo, "NÃO", AnswerNo, false},
		{"yes_no invalid", models.InputTypeYesNo, "talvez", "", true},
		{"email", models.InputTypeEmail, "Ana@Escola.org", "ana@escola.org", false},
		{"email invalid", models.InputTypeEmail, "ana@", "", true},
		{"phone", models.InputTypePhone, "(11) 98765-4321", "11987654321", false},
		{"phone too short", models.InputTypePhone, "12345", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := models.FlowStep{Order: 3, StepType: models.StepTypeInput, InputType: tt.typ, InputOptions: options}
			got, err := CoerceInput(st, tt.text)
			if tt.wantErr {
				var verr *models.ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v (value %q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CoerceInput(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition(t *testing.T) {
	sess := models.NewConversationSession("5511987654321", "f1", "s1", fixedNow)
	sess.Metadata[models.SessionKeyPushName] = "Ana"
	sess.CapturedInputs["priority"] = "alta"
	sess.CapturedInputs["quantity"] = "10"
	sess.CapturedInputs["description"] = "Tela Quebrada"

	tests := []struct {
		field string
		op    models.ConditionOperator
		value string
		want  bool
	}{
		{"priority", models.OperatorEquals, "critica", false},
		{"capturedInputs.priority", models.OperatorEquals, "ALTA", true},
		{"priority", models.OperatorNotEquals, "critica", true},
		{"description", models.OperatorContains, "quebrada", true},
		{"description", models.OperatorNotContains, "mouse", true},
		{"quantity", models.OperatorGreater, "9", true},
		{"quantity", models.OperatorGreaterEq, "10,0", true},
		{"quantity", models.OperatorLess, "2", false},
		{"quantity", models.OperatorLessEq, "10", true},
		{"quantity", models.OperatorEquals, "10.0", true},
		{"priority", models.OperatorGreater, "1", false},
		{"session.push_name", models.OperatorExists, "", true},
		{"push_name", models.OperatorEquals, "ana", true},
		{"missing", models.OperatorExists, "", false},
	}

	for _, tt := range tests {
		st := models.FlowStep{StepType: models.StepTypeCondition, ConditionField: tt.field, ConditionOperator: tt.op, ConditionValue: tt.value}
		got, _ := EvaluateCondition(st, sess)
		if got != tt.want {
			t.Errorf("%s %s %q = %v, want %v", tt.field, tt.op, tt.value, got, tt.want)
		}
	}
}

func TestEvaluateConditionMissingFieldFailsClosed(t *testing.T) {
	sess := models.NewConversationSession("5511987654321", "f1", "s1", fixedNow)
	st := models.FlowStep{StepType: models.StepTypeCondition, ConditionField: "nope", ConditionOperator: models.OperatorNotEquals, ConditionValue: "x"}
	ok, err := EvaluateCondition(st, sess)
	if ok || err == nil {
		t.Fatalf("missing field should evaluate false with an error, got %v, %v", ok, err)
	}
}

func TestInterpolate(t *testing.T) {
	sess := models.NewConversationSession("5511987654321", "f1", "s1", fixedNow)
	sess.Metadata[models.SessionKeyPushName] = "Ana"
	sess.CapturedInputs["ticket_number"] = "AB12CD34"

	got := Interpolate("Olá {{session.push_name}}, chamado #{{ capturedInputs.ticket_number }} {{capturedInputs.unknown}}ok", sess)
	want := "Olá Ana, chamado #AB12CD34 ok"
	if got != want {
		t.Errorf("Interpolate = %q, want %q", got, want)
	}
	if got := Interpolate("{{other.x}}", sess); got != "{{other.x}}" {
		t.Errorf("unknown namespace should be left alone, got %q", got)
	}
}
