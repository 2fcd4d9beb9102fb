// Package testutil provides a fully wired in-memory HelpdeskPipe stack and
// common assertions for tests.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/BTreeMap/HelpdeskPipe/internal/directory"
	"github.com/BTreeMap/HelpdeskPipe/internal/flow"
	"github.com/BTreeMap/HelpdeskPipe/internal/gateway"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/notify"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
	"github.com/BTreeMap/HelpdeskPipe/internal/watcher"
)

// RequesterPhone is the phone of the seeded requester profile.
const RequesterPhone = "5511987654321"

// Stack is the in-memory service graph used by handler and integration tests.
type Stack struct {
	Store      *store.InMemoryStore
	Directory  *directory.MemoryDirectory
	Gateway    *gateway.MockGateway
	Engine     *flow.Engine
	Inbox      *flow.Inbox
	Dispatcher *notify.Dispatcher
	Pipeline   *notify.Pipeline
}

// NewStack wires the services the way main does, with a mock gateway, a
// seeded requester profile and the support flow from SupportFlow.
func NewStack(t testing.TB) *Stack {
	t.Helper()
	s := &Stack{
		Store:     store.NewInMemoryStore(),
		Directory: directory.NewMemoryDirectory(),
		Gateway:   gateway.NewMockGateway(),
	}
	s.Directory.AddUnit(models.Unit{ID: "unit-1", Name: "Escola Central"})
	s.Directory.AddProfile(models.Profile{ID: "u1", FullName: "Ana Souza", Phone: RequesterPhone, UnitID: "unit-1"})

	s.Dispatcher = notify.NewDispatcher(s.Store, s.Gateway)
	s.Engine = flow.NewEngine(s.Store, s.Store, flow.WithDirectory(s.Directory), flow.WithReplier(s.Dispatcher))
	s.Inbox = flow.NewInbox(s.Engine, s.Store)
	s.Pipeline = notify.NewPipeline(watcher.New(s.Directory), notify.NewComposer(nil), s.Dispatcher, 0)

	f, steps := SupportFlow()
	SeedFlow(t, s.Store, f, steps)
	return s
}

// SupportFlow is a two-step flow triggered by "computador".
func SupportFlow() (models.Flow, []models.FlowStep) {
	f := models.Flow{ID: "support", Name: "Suporte", IsActive: true, TriggerKeywords: []string{"computador"}}
	steps := []models.FlowStep{
		{ID: "greet", Order: 1, StepType: models.StepTypeMessage, MessageText: "Olá! Vamos abrir um chamado."},
		{ID: "describe", Order: 2, StepType: models.StepTypeInput, Name: "description", InputType: models.InputTypeText, MessageText: "Descreva o problema:"},
		{ID: "thanks", Order: 3, StepType: models.StepTypeMessage, MessageText: "Obrigado!"},
	}
	return f, steps
}

// SeedFlow stores a flow, failing the test on error.
func SeedFlow(t testing.TB, repo store.FlowRepo, f models.Flow, steps []models.FlowStep) {
	t.Helper()
	for i := range steps {
		steps[i].FlowID = f.ID
	}
	if err := repo.SaveFlow(context.Background(), f, steps); err != nil {
		t.Fatalf("SaveFlow(%s): %v", f.ID, err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// Response is an APIResponse whose result is kept raw for typed decoding.
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// DecodeResponse decodes an API response body and checks its status field.
func DecodeResponse(t testing.TB, body io.Reader, expectedStatus models.APIStatus) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if resp.Status != string(expectedStatus) {
		t.Errorf("expected status %q, got %q (message %q)", expectedStatus, resp.Status, resp.Message)
	}
	return resp
}

// DecodeResult unmarshals the result of resp into v.
func DecodeResult(t testing.TB, resp Response, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Result, v); err != nil {
		t.Fatalf("failed to decode result %s: %v", resp.Result, err)
	}
}
