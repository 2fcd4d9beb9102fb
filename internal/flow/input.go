package flow

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// Canonical answers stored for yes/no inputs.
const (
	AnswerYes = "sim"
	AnswerNo  = "nao"
)

var (
	yesWords = map[string]bool{"sim": true, "s": true, "yes": true, "y": true, "1": true, "ok": true}
	noWords  = map[string]bool{"nao": true, "n": true, "no": true, "2": true}
)

// CoerceInput validates text against the step's input type and returns the
// value to capture.
func CoerceInput(step models.FlowStep, text string) (string, error) {
	v := strings.TrimSpace(text)
	if v == "" {
		return "", &models.ValidationError{Field: step.CaptureKey(), Reason: "empty answer"}
	}

	switch step.InputType {
	case "", models.InputTypeText:
		return v, nil
	case models.InputTypeNumber:
		f, err := parseNumber(v)
		if err != nil {
			return "", &models.ValidationError{Field: step.CaptureKey(), Reason: "not a number"}
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case models.InputTypeOption:
		return matchOption(step, v)
	case models.InputTypeYesNo:
		w := fold(v)
		switch {
		case yesWords[w]:
			return AnswerYes, nil
		case noWords[w]:
			return AnswerNo, nil
		}
		return "", &models.ValidationError{Field: step.CaptureKey(), Reason: "expected yes or no"}
	case models.InputTypeEmail:
		addr, err := mail.ParseAddress(v)
		if err != nil || addr.Address != v {
			return "", &models.ValidationError{Field: step.CaptureKey(), Reason: "invalid e-mail"}
		}
		return strings.ToLower(addr.Address), nil
	case models.InputTypePhone:
		if !util.IsValidPhone(v) {
			return "", &models.ValidationError{Field: step.CaptureKey(), Reason: "invalid phone number"}
		}
		return util.CanonicalPhone(v), nil
	default:
		return "", &models.ValidationError{Field: step.CaptureKey(), Reason: "unsupported input type " + string(step.InputType)}
	}
}

// matchOption accepts an option by its 1-based position or by its text.
func matchOption(step models.FlowStep, v string) (string, error) {
	if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= len(step.InputOptions) {
		return step.InputOptions[n-1], nil
	}
	w := fold(v)
	for _, opt := range step.InputOptions {
		if fold(opt) == w {
			return opt, nil
		}
	}
	return "", &models.ValidationError{Field: step.CaptureKey(), Reason: "not one of the options"}
}

// formatOptions renders "1) A\n2) B" for option prompts.
func formatOptions(options []string) string {
	var b strings.Builder
	for i, opt := range options {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d) %s", i+1, opt)
	}
	return b.String()
}
