package models

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: session was modified concurrently")
	ErrDuplicateStepOrder  = errors.New("duplicate step order within flow")
	ErrIgnoredTable        = errors.New("mutation on unwatched table")
	ErrIgnoredOperation    = errors.New("mutation operation is not handled")
	ErrSessionNotFound     = errors.New("session not found")
	ErrFlowNotFound        = errors.New("flow not found")
	ErrNotificationMissing = errors.New("notification record not found")
)

// ConfigurationError reports missing or invalid configuration detected at runtime.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Reason)
}

// ValidationError reports input that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// ActionExecutionError wraps a failure raised by a flow action.
type ActionExecutionError struct {
	Action string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// GatewayError is a non-success response from a messaging gateway.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// ErrorClass groups errors by how callers should react.
type ErrorClass int

const (
	// ErrorClassTransient errors may succeed on retry.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassInvalid errors are caused by bad input and will not succeed on retry.
	ErrorClassInvalid
	// ErrorClassFatal errors indicate broken configuration or programming mistakes.
	ErrorClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassInvalid:
		return "invalid"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify returns the ErrorClass for err. Unknown errors are treated as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return ErrorClassFatal
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return ErrorClassInvalid
	}
	if errors.Is(err, ErrDuplicateStepOrder) || errors.Is(err, ErrIgnoredTable) || errors.Is(err, ErrIgnoredOperation) {
		return ErrorClassInvalid
	}
	var gw *GatewayError
	if errors.As(err, &gw) {
		if gw.StatusCode >= 400 && gw.StatusCode < 500 && gw.StatusCode != 408 && gw.StatusCode != 429 {
			return ErrorClassInvalid
		}
		return ErrorClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	return ErrorClassTransient
}
