package flow

import (
	"strconv"
	"strings"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

const (
	capturedPrefix = "capturedInputs."
	sessionPrefix  = "session."
)

// resolveField looks a condition field up in the session. Plain names are
// read from captured inputs first, then from session metadata.
func resolveField(sess *models.ConversationSession, field string) (string, bool) {
	field = strings.TrimSpace(field)
	switch {
	case strings.HasPrefix(field, capturedPrefix):
		v, ok := sess.CapturedInputs[strings.TrimPrefix(field, capturedPrefix)]
		return v, ok
	case strings.HasPrefix(field, sessionPrefix):
		v, ok := sess.Metadata[strings.TrimPrefix(field, sessionPrefix)]
		return v, ok
	}
	if v, ok := sess.CapturedInputs[field]; ok {
		return v, true
	}
	v, ok := sess.Metadata[field]
	return v, ok
}

// EvaluateCondition applies the step's operator. An unresolvable field or a
// non-numeric operand for a numeric operator evaluates to false.
func EvaluateCondition(step models.FlowStep, sess *models.ConversationSession) (bool, error) {
	actual, ok := resolveField(sess, step.ConditionField)
	if !ok {
		return false, &models.ValidationError{Field: step.ConditionField, Reason: "condition field not found in session"}
	}
	expected := step.ConditionValue

	switch step.ConditionOperator {
	case models.OperatorEquals:
		return valuesEqual(actual, expected), nil
	case models.OperatorNotEquals:
		return !valuesEqual(actual, expected), nil
	case models.OperatorContains:
		return strings.Contains(fold(actual), fold(expected)), nil
	case models.OperatorNotContains:
		return !strings.Contains(fold(actual), fold(expected)), nil
	case models.OperatorExists:
		return strings.TrimSpace(actual) != "", nil
	case models.OperatorGreater, models.OperatorGreaterEq, models.OperatorLess, models.OperatorLessEq:
		a, errA := parseNumber(actual)
		b, errB := parseNumber(expected)
		if errA != nil || errB != nil {
			return false, &models.ValidationError{Field: step.ConditionField, Reason: "numeric comparison on non-numeric value"}
		}
		switch step.ConditionOperator {
		case models.OperatorGreater:
			return a > b, nil
		case models.OperatorGreaterEq:
			return a >= b, nil
		case models.OperatorLess:
			return a < b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, &models.ValidationError{Field: "operator", Reason: "unsupported operator " + string(step.ConditionOperator)}
	}
}

// valuesEqual compares case-insensitively, or numerically when both sides are numbers.
func valuesEqual(a, b string) bool {
	if fa, err := parseNumber(a); err == nil {
		if fb, err := parseNumber(b); err == nil {
			return fa == fb
		}
	}
	return fold(a) == fold(b)
}

// parseNumber accepts "1.5" and the pt-BR "1,5".
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}
