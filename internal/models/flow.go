// Package models defines flow and step definitions for the conversational automation engine.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepType identifies what a flow step does when the walk reaches it.
type StepType string

const (
	// StepTypeMessage sends a message to the counterparty.
	StepTypeMessage StepType = "message"
	// StepTypeInput captures the next inbound text into the session.
	StepTypeInput StepType = "input"
	// StepTypeCondition branches on a captured value.
	StepTypeCondition StepType = "condition"
	// StepTypeAction executes side-effecting actions such as ticket creation.
	StepTypeAction StepType = "action"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(st StepType) bool {
	switch st {
	case StepTypeMessage, StepTypeInput, StepTypeCondition, StepTypeAction:
		return true
	default:
		return false
	}
}

// InputType controls how an input step validates and coerces the inbound text.
type InputType string

const (
	InputTypeText   InputType = "text"
	InputTypeNumber InputType = "number"
	InputTypeOption InputType = "option"
	InputTypeYesNo  InputType = "yes_no"
	InputTypeEmail  InputType = "email"
	InputTypePhone  InputType = "phone"
)

// ConditionOperator is the comparison applied by a condition step.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorContains    ConditionOperator = "contains"
	OperatorNotContains ConditionOperator = "not_contains"
	OperatorGreater     ConditionOperator = "gt"
	OperatorGreaterEq   ConditionOperator = "gte"
	OperatorLess        ConditionOperator = "lt"
	OperatorLessEq      ConditionOperator = "lte"
	OperatorExists      ConditionOperator = "exists"
)

// Known action kinds.
const (
	ActionCreateTicket = "create_ticket"
	ActionSetVariable  = "set_variable"
)

var (
	ErrEmptyFlowName      = errors.New("flow name cannot be empty")
	ErrEmptyFlowID        = errors.New("flow id cannot be empty")
	ErrInvalidStepType    = errors.New("invalid step type")
	ErrInvalidStepOrder   = errors.New("step order must be positive")
	ErrMissingStepFlowID  = errors.New("step must reference a flow")
	ErrMissingCondition   = errors.New("condition step requires a condition field and operator")
	ErrMissingOptions     = errors.New("option input requires input options")
	ErrEmptyActionType    = errors.New("action type cannot be empty")
	ErrEmptyTriggerPhrase = errors.New("trigger keyword cannot be blank")
)

// Flow is an administrator-defined, keyword-triggered conversation script.
type Flow struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	IsActive        bool      `json:"is_active" yaml:"active"`
	TriggerKeywords []string  `json:"trigger_keywords" yaml:"keywords"`
	CreatedAt       time.Time `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the flow definition fields.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if strings.TrimSpace(f.Name) == "" {
		return ErrEmptyFlowName
	}
	for _, kw := range f.TriggerKeywords {
		if strings.TrimSpace(kw) == "" {
			return ErrEmptyTriggerPhrase
		}
	}
	return nil
}

// ActionSpec describes one side effect executed by an action step.
type ActionSpec struct {
	Type   string            `json:"type" yaml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// FlowStep is one unit of a flow. Order is unique per flow and defines the
// linear successor when no explicit branch target is set.
type FlowStep struct {
	ID                string            `json:"id" yaml:"id"`
	FlowID            string            `json:"flow_id" yaml:"-"`
	Order             int               `json:"order" yaml:"order"`
	StepType          StepType          `json:"step_type" yaml:"type"`
	Name              string            `json:"name,omitempty" yaml:"name,omitempty"`
	MessageText       string            `json:"message_text,omitempty" yaml:"message,omitempty"`
	InputType         InputType         `json:"input_type,omitempty" yaml:"input_type,omitempty"`
	InputOptions      []string          `json:"input_options,omitempty" yaml:"options,omitempty"`
	ConditionField    string            `json:"condition_field,omitempty" yaml:"field,omitempty"`
	ConditionOperator ConditionOperator `json:"condition_operator,omitempty" yaml:"operator,omitempty"`
	ConditionValue    string            `json:"condition_value,omitempty" yaml:"value,omitempty"`
	NextStepOnSuccess string            `json:"next_step_on_success,omitempty" yaml:"on_success,omitempty"`
	NextStepOnFailure string            `json:"next_step_on_failure,omitempty" yaml:"on_failure,omitempty"`
	Actions           []ActionSpec      `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// CaptureKey returns the key under which an input step stores its answer.
func (s *FlowStep) CaptureKey() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step_%d", s.Order)
}

// Validate performs type-specific validation on a step.
func (s *FlowStep) Validate() error {
	if s.FlowID == "" {
		return ErrMissingStepFlowID
	}
	if s.Order <= 0 {
		return ErrInvalidStepOrder
	}
	if !IsValidStepType(s.StepType) {
		return fmt.Errorf("%w: %q", ErrInvalidStepType, s.StepType)
	}

	switch s.StepType {
	case StepTypeCondition:
		if s.ConditionField == "" || s.ConditionOperator == "" {
			return ErrMissingCondition
		}
	case StepTypeInput:
		if s.InputType == InputTypeOption && len(s.InputOptions) == 0 {
			return ErrMissingOptions
		}
	case StepTypeAction:
		for _, a := range s.Actions {
			if a.Type == "" {
				return ErrEmptyActionType
			}
		}
	}
	return nil
}
