// Package models defines the core data structures for HelpdeskPipe.
//
// It includes flow definitions, conversation sessions, helpdesk entities,
// mutation events and notification records, which are shared across modules.
package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// InboundMessage is a normalized text message received from a counterparty.
type InboundMessage struct {
	CounterpartyID string    `json:"remoteId"`
	FromMe         bool      `json:"fromMe"`
	Text           string    `json:"messageText"`
	PushName       string    `json:"pushName,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	MessageID      string    `json:"messageId,omitempty"`
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds:
// 1e12 seconds is tens of thousands of years away, 1e12 ms is 2001.
const epochMillisThreshold = 1e12

// UnmarshalJSON accepts the timestamp as an RFC3339 string or as epoch
// seconds or milliseconds, either as a JSON number or a numeric string.
func (m *InboundMessage) UnmarshalJSON(data []byte) error {
	type Alias InboundMessage
	aux := struct {
		*Alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{Alias: (*Alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	m.Timestamp = ts
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, err
		}
		if text == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t, nil
		}
	}

	n, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "want RFC3339 or epoch seconds/milliseconds, got " + string(raw)}
	}
	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusIgnored indicates an API request was valid but had no effect.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Ignored creates a response for valid requests that produced no work.
func Ignored(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusIgnored).WithMessage(message).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
