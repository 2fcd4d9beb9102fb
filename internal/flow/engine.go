package flow

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/HelpdeskPipe/internal/directory"
	"github.com/BTreeMap/HelpdeskPipe/internal/metrics"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// Engine defaults.
const (
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultMaxStepsPerMessage = 64
	DefaultCancelReply        = "Atendimento cancelado. Envie uma nova mensagem quando precisar."
	DefaultInvalidInputReply  = "Não entendi sua resposta."
)

// DefaultCancelKeywords end a live session when sent as the whole message.
var DefaultCancelKeywords = []string{"cancelar", "sair"}

// Replier delivers engine replies to the counterparty.
type Replier interface {
	DispatchReply(ctx context.Context, phone, text string) error
}

// Result describes what one inbound message did.
type Result struct {
	Replies   []string `json:"replies,omitempty"`
	FlowID    string   `json:"flow_id,omitempty"`
	StepID    string   `json:"step_id,omitempty"`
	Matched   bool     `json:"matched"`
	Completed bool     `json:"completed"`
	Cancelled bool     `json:"cancelled"`
	Dropped   bool     `json:"dropped"`
	Aborted   bool     `json:"aborted"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

func (r Result) outcome() string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.Dropped:
		return "dropped"
	case r.Aborted:
		return "aborted"
	case r.Cancelled:
		return "cancelled"
	case r.Completed:
		return "completed"
	case r.FlowID != "":
		return "in_progress"
	default:
		return "unmatched"
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdleTimeout sets how long a session may stay untouched before it is ignored.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithMaxStepsPerMessage bounds the number of steps visited per inbound message.
func WithMaxStepsPerMessage(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithCancelKeywords replaces the cancellation keywords.
func WithCancelKeywords(keywords []string) Option {
	return func(e *Engine) { e.cancelKeywords = keywords }
}

// WithCancelReply sets the reply sent after a cancellation.
func WithCancelReply(text string) Option {
	return func(e *Engine) { e.cancelReply = text }
}

// WithInvalidInputReply sets the notice sent before re-prompting.
func WithInvalidInputReply(text string) Option {
	return func(e *Engine) { e.invalidReply = text }
}

// WithDirectory sets the helpdesk directory used by actions.
func WithDirectory(d directory.Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithReplier sets where replies are delivered. Without one, replies are
// only returned in the Result.
func WithReplier(r Replier) Option {
	return func(e *Engine) { e.replier = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithActions replaces the action registry.
func WithActions(r *ActionRegistry) Option {
	return func(e *Engine) { e.actions = r }
}

// Engine runs keyword-triggered flows for inbound messages.
type Engine struct {
	flows    store.FlowRepo
	sessions store.SessionStore

	directory directory.Directory
	replier   Replier
	actions   *ActionRegistry
	now       func() time.Time

	idleTimeout    time.Duration
	maxSteps       int
	cancelKeywords []string
	cancelReply    string
	invalidReply   string

	locks keyLock

	cacheMu sync.Mutex
	cache   map[string]cachedGraph
}

type cachedGraph struct {
	fingerprint [sha256.Size]byte
	graph       *Graph
}

// NewEngine creates an Engine over the given repositories.
func NewEngine(flows store.FlowRepo, sessions store.SessionStore, opts ...Option) *Engine {
	e := &Engine{
		flows:          flows,
		sessions:       sessions,
		actions:        NewActionRegistry(),
		now:            time.Now,
		idleTimeout:    DefaultIdleTimeout,
		maxSteps:       DefaultMaxStepsPerMessage,
		cancelKeywords: DefaultCancelKeywords,
		cancelReply:    DefaultCancelReply,
		invalidReply:   DefaultInvalidInputReply,
		cache:          make(map[string]cachedGraph),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IdleTimeout returns the configured session idle timeout.
func (e *Engine) IdleTimeout() time.Duration { return e.idleTimeout }

// turn is the state of one processing attempt.
type turn struct {
	phone     string
	msg       models.InboundMessage
	now       time.Time
	sess      *models.ConversationSession
	graph     *Graph
	replies   []string
	steps     int
	committed bool
	res       Result
}

func (t *turn) emit(text string) {
	if strings.TrimSpace(text) != "" {
		t.replies = append(t.replies, text)
	}
}

// HandleInbound processes one inbound message. Messages from the counterparty
// are serialized per phone number; replies are delivered through the Replier
// once the session update has been stored.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) (Result, error) {
	phone := util.CanonicalPhone(msg.CounterpartyID)
	if phone == "" {
		return Result{}, &models.ValidationError{Field: "remoteId", Reason: "missing counterparty"}
	}
	if msg.FromMe {
		return Result{}, nil
	}

	unlock := e.locks.Lock(phone)
	defer unlock()

	var res Result
	for attempt := 1; ; attempt++ {
		t := &turn{phone: phone, msg: msg, now: e.now()}
		err := e.process(ctx, t)
		if err == nil {
			res = t.res
			res.Replies = t.replies
			break
		}
		if !errors.Is(err, models.ErrConcurrencyConflict) {
			return Result{}, fmt.Errorf("handle inbound from %s: %w", phone, err)
		}
		if !t.committed && attempt < 2 {
			slog.Debug("Engine.HandleInbound: session conflict, retrying", "phone", phone)
			metrics.SessionConflicts.WithLabelValues("retried").Inc()
			continue
		}
		slog.Warn("Engine.HandleInbound: session conflict, message dropped",
			"phone", phone, "flow_id", t.res.FlowID, "attempt", attempt, "committed", t.committed, "error", err)
		metrics.SessionConflicts.WithLabelValues("dropped").Inc()
		res = Result{FlowID: t.res.FlowID, Dropped: true}
		break
	}

	metrics.InboundMessages.WithLabelValues(res.outcome()).Inc()
	if e.replier != nil {
		for _, reply := range res.Replies {
			if err := e.replier.DispatchReply(ctx, phone, reply); err != nil {
				slog.Error("Engine.HandleInbound: reply dispatch failed", "phone", phone, "error", err)
			}
		}
	}
	return res, nil
}

// process runs a single attempt against freshly read session state.
func (e *Engine) process(ctx context.Context, t *turn) error {
	existing, err := e.sessions.GetSession(ctx, t.phone)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	var stale *models.ConversationSession
	if existing != nil && existing.IsIdle(t.now, e.idleTimeout) {
		slog.Debug("Engine.process: ignoring idle session", "phone", t.phone, "last_activity", existing.LastActivityAt)
		stale, existing = existing, nil
	}

	if existing != nil {
		if isCancel(e.cancelKeywords, t.msg.Text) {
			if err := e.sessions.DeleteSession(ctx, t.phone); err != nil {
				return fmt.Errorf("cancel session: %w", err)
			}
			slog.Info("Engine.process: session cancelled", "phone", t.phone, "flow_id", existing.ActiveFlowID)
			t.res = Result{FlowID: existing.ActiveFlowID, Cancelled: true}
			t.emit(e.cancelReply)
			return nil
		}

		g, err := e.graphByID(ctx, existing.ActiveFlowID)
		if err != nil {
			return err
		}
		if g != nil && g.Node(existing.CurrentStepID) != nil {
			t.sess = existing
			t.graph = g
			t.res.FlowID = g.Flow.ID
			e.touchMetadata(t)
			return e.resume(ctx, t)
		}

		slog.Warn("Engine.process: session references a missing flow or step, discarding",
			"phone", t.phone, "flow_id", existing.ActiveFlowID, "step_id", existing.CurrentStepID)
		if err := e.sessions.DeleteSession(ctx, t.phone); err != nil {
			return fmt.Errorf("discard session: %w", err)
		}
	}

	return e.start(ctx, t, stale)
}

// start matches trigger keywords and opens a session on the best flow.
func (e *Engine) start(ctx context.Context, t *turn, stale *models.ConversationSession) error {
	flows, err := e.flows.ListActiveFlows(ctx)
	if err != nil {
		return fmt.Errorf("list active flows: %w", err)
	}

	for _, c := range MatchFlows(flows, t.msg.Text) {
		g, err := e.graphFor(ctx, c.Flow)
		var cerr *CompileError
		if errors.As(err, &cerr) {
			slog.Warn("Engine.start: skipping flow that fails to compile", "flow_id", c.Flow.ID, "error", err)
			continue
		}
		if err != nil {
			return err
		}

		sess := models.NewConversationSession(t.phone, g.Flow.ID, g.First(), t.now)
		sess.Metadata[models.SessionKeyFlowName] = g.Flow.Name
		if stale != nil {
			sess.Version = stale.Version
		}
		t.sess = sess
		t.graph = g
		t.res = Result{FlowID: g.Flow.ID, Matched: true}
		e.touchMetadata(t)

		slog.Info("Engine.start: flow triggered", "phone", t.phone, "flow_id", g.Flow.ID, "keyword", c.Keyword)
		metrics.FlowsStarted.WithLabelValues(g.Flow.ID).Inc()
		return e.walk(ctx, t, g.First())
	}

	slog.Debug("Engine.start: no flow matched", "phone", t.phone)
	return nil
}

// resume routes the inbound text to the step the session is parked on.
func (e *Engine) resume(ctx context.Context, t *turn) error {
	n := t.graph.Node(t.sess.CurrentStepID)
	switch n.Kind() {
	case models.StepTypeInput:
		value, err := CoerceInput(n.Step, t.msg.Text)
		if err != nil {
			slog.Debug("Engine.resume: invalid input", "phone", t.phone, "step_id", n.Step.ID, "error", err)
			if n.Failure != "" {
				return e.walk(ctx, t, n.Failure)
			}
			t.emit(e.invalidReply)
			t.emit(e.prompt(t, n.Step))
			return e.park(ctx, t)
		}
		t.sess.CapturedInputs[n.Step.CaptureKey()] = value
		return e.walk(ctx, t, n.Next())
	case models.StepTypeAction:
		if t.sess.Metadata[models.SessionKeyActionStep] == n.Step.ID {
			slog.Warn("Engine.resume: actions already started on this step, not re-running them",
				"phone", t.phone, "step_id", n.Step.ID)
			delete(t.sess.Metadata, models.SessionKeyActionStep)
			return e.walk(ctx, t, n.Next())
		}
		return e.walk(ctx, t, n.Step.ID)
	default:
		return e.walk(ctx, t, n.Step.ID)
	}
}

// walk visits steps starting at id until it parks or runs out of successors.
// A message step only leads straight into another message or an input
// prompt; any other successor waits for the next inbound message.
func (e *Engine) walk(ctx context.Context, t *turn, id string) error {
	for id != "" {
		t.steps++
		if t.steps > e.maxSteps {
			return e.abort(ctx, t)
		}

		n := t.graph.Node(id)
		t.sess.CurrentStepID = id

		switch n.Kind() {
		case models.StepTypeMessage:
			t.emit(Interpolate(n.Step.MessageText, t.sess))
			id = n.Next()
			if next := t.graph.Node(id); next != nil && next.Kind() != models.StepTypeMessage && next.Kind() != models.StepTypeInput {
				t.sess.CurrentStepID = id
				return e.park(ctx, t)
			}
		case models.StepTypeInput:
			t.emit(e.prompt(t, n.Step))
			return e.park(ctx, t)
		case models.StepTypeCondition:
			ok, err := EvaluateCondition(n.Step, t.sess)
			if err != nil {
				slog.Debug("Engine.walk: condition failed closed", "step_id", id, "error", err)
			}
			if ok {
				id = n.Next()
			} else {
				id = n.OnFailure()
			}
		case models.StepTypeAction:
			t.sess.Metadata[models.SessionKeyActionStep] = id
			if err := e.commit(ctx, t); err != nil {
				return err
			}
			failed := e.runActions(ctx, t, n)
			delete(t.sess.Metadata, models.SessionKeyActionStep)
			if failed && n.Failure != "" {
				id = n.Failure
			} else {
				id = n.Next()
			}
		}
	}
	return e.complete(ctx, t)
}

// runActions executes the step's actions once each and reports whether any failed.
func (e *Engine) runActions(ctx context.Context, t *turn, n *Node) bool {
	ac := &ActionContext{Session: t.sess, Directory: e.directory, Now: t.now}
	failed := false
	for _, spec := range n.Step.Actions {
		params := make(map[string]string, len(spec.Params))
		for k, v := range spec.Params {
			params[k] = Interpolate(v, t.sess)
		}
		if err := e.actions.Execute(ctx, ac, spec.Type, params); err != nil {
			failed = true
			aerr := &models.ActionExecutionError{Action: spec.Type, Err: err}
			slog.Error("Engine.runActions: action failed", "phone", t.phone, "step_id", n.Step.ID, "error", aerr)
			metrics.ActionFailures.WithLabelValues(spec.Type).Inc()
		}
	}
	return failed
}

// prompt renders an input step's prompt, listing options when present.
func (e *Engine) prompt(t *turn, step models.FlowStep) string {
	text := Interpolate(step.MessageText, t.sess)
	if step.InputType == models.InputTypeOption && len(step.InputOptions) > 0 {
		if text != "" {
			text += "\n"
		}
		text += formatOptions(step.InputOptions)
	}
	return text
}

func (e *Engine) touchMetadata(t *turn) {
	t.sess.Metadata[models.SessionKeyPhone] = t.phone
	if name := strings.TrimSpace(t.msg.PushName); name != "" {
		t.sess.Metadata[models.SessionKeyPushName] = name
	}
}

// park stores the session waiting on its current step.
func (e *Engine) park(ctx context.Context, t *turn) error {
	if err := e.save(ctx, t); err != nil {
		return err
	}
	t.res.StepID = t.sess.CurrentStepID
	return nil
}

// commit stores the session positioned on an action step before its actions run.
func (e *Engine) commit(ctx context.Context, t *turn) error {
	if err := e.save(ctx, t); err != nil {
		return err
	}
	t.committed = true
	return nil
}

func (e *Engine) save(ctx context.Context, t *turn) error {
	t.sess.LastActivityAt = t.now
	if err := e.sessions.SaveSession(ctx, t.sess); err != nil {
		return fmt.Errorf("save session at step %s: %w", t.sess.CurrentStepID, err)
	}
	return nil
}

// complete ends the session after the last step.
func (e *Engine) complete(ctx context.Context, t *turn) error {
	if t.sess.Version != 0 {
		if err := e.sessions.DeleteSession(ctx, t.phone); err != nil {
			return fmt.Errorf("delete completed session: %w", err)
		}
	}
	slog.Info("Engine.complete: flow completed", "phone", t.phone, "flow_id", t.graph.Flow.ID)
	t.res.Completed = true
	t.res.StepID = ""
	return nil
}

// abort ends a walk that exceeded the step limit.
func (e *Engine) abort(ctx context.Context, t *turn) error {
	slog.Error("Engine.abort: step limit exceeded, ending session",
		"phone", t.phone, "flow_id", t.graph.Flow.ID, "step_id", t.sess.CurrentStepID, "limit", e.maxSteps)
	if t.sess.Version != 0 {
		if err := e.sessions.DeleteSession(ctx, t.phone); err != nil {
			return fmt.Errorf("delete aborted session: %w", err)
		}
	}
	t.res.Aborted = true
	t.res.StepID = ""
	return nil
}

// graphByID loads and compiles a flow by ID. A missing or invalid flow yields nil.
func (e *Engine) graphByID(ctx context.Context, flowID string) (*Graph, error) {
	f, err := e.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	if f == nil {
		return nil, nil
	}
	g, err := e.graphFor(ctx, *f)
	var cerr *CompileError
	if errors.As(err, &cerr) {
		slog.Warn("Engine.graphByID: flow fails to compile", "flow_id", flowID, "error", err)
		return nil, nil
	}
	return g, err
}

// graphFor returns the compiled graph for f. Steps are read on every call;
// compilation is skipped while the flow and its step rows are unchanged, so
// edits made directly to step rows are picked up by the next message.
func (e *Engine) graphFor(ctx context.Context, f models.Flow) (*Graph, error) {
	steps, err := e.flows.ListSteps(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", f.ID, err)
	}
	sum, err := fingerprint(f, steps)
	if err != nil {
		return nil, fmt.Errorf("fingerprint flow %s: %w", f.ID, err)
	}

	e.cacheMu.Lock()
	c, ok := e.cache[f.ID]
	e.cacheMu.Unlock()
	if ok && c.fingerprint == sum {
		return c.graph, nil
	}

	g, err := Compile(f, steps)
	if err != nil {
		return nil, &CompileError{FlowID: f.ID, Err: err}
	}

	e.cacheMu.Lock()
	e.cache[f.ID] = cachedGraph{fingerprint: sum, graph: g}
	e.cacheMu.Unlock()
	return g, nil
}

// fingerprint hashes everything Compile reads from a flow and its steps.
func fingerprint(f models.Flow, steps []models.FlowStep) ([sha256.Size]byte, error) {
	data, err := json.Marshal(struct {
		Flow  models.Flow       `json:"flow"`
		Steps []models.FlowStep `json:"steps"`
	}{f, steps})
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
