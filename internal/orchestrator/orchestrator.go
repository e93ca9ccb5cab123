// Package orchestrator drives one request from agent-mode selection through
// context assembly to a single model call, under manual, auto or assisted
// routing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/loom/internal/assembler"
	"github.com/normanking/loom/internal/llm"
	"github.com/normanking/loom/internal/logging"
	"github.com/normanking/loom/internal/modes"
	"github.com/normanking/loom/internal/roles"
	"github.com/normanking/loom/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// RoutingMode selects how the answering model is chosen.
type RoutingMode string

const (
	// RoutingManual uses the caller's role or explicit model.
	RoutingManual RoutingMode = "manual"
	// RoutingAuto lets the classifier pick a role.
	RoutingAuto RoutingMode = "auto"
	// RoutingAssisted returns the classifier's pick for confirmation first.
	RoutingAssisted RoutingMode = "assisted"
)

// ParseRoutingMode converts a string to a RoutingMode. Empty means auto.
func ParseRoutingMode(s string) (RoutingMode, error) {
	switch RoutingMode(strings.ToLower(strings.TrimSpace(s))) {
	case RoutingAuto, "":
		return RoutingAuto, nil
	case RoutingManual:
		return RoutingManual, nil
	case RoutingAssisted:
		return RoutingAssisted, nil
	default:
		return "", fmt.Errorf("%w %q (want manual, auto or assisted)", ErrUnknownRoutingMode, s)
	}
}

// State is a step of request processing.
type State string

const (
	StateIdle         State = "idle"
	StateModeSelected State = "mode_selected"
	StateContextBuilt State = "context_built"
	StateModelInvoked State = "model_invoked"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// SubmitRequest is one user request.
type SubmitRequest struct {
	ProjectID   string
	SessionID   string
	AgentMode   string
	RoutingMode RoutingMode

	// Role is used by manual routing. ModelID and Backend, when set,
	// bypass the registry entirely.
	Role    roles.Role
	ModelID string
	Backend llm.BackendKind

	Query   string
	History []assembler.Turn
}

// Result is the outcome of Submit or Confirm. Exactly one of Pending,
// a non-nil Error, or a completed answer holds.
type Result struct {
	RequestID   string      `json:"request_id"`
	SessionID   string      `json:"session_id,omitempty"`
	ProjectID   string      `json:"project_id,omitempty"`
	AgentMode   string      `json:"agent_mode"`
	RoutingMode RoutingMode `json:"routing_mode"`

	Role    roles.Role            `json:"role,omitempty"`
	Model   roles.ModelDescriptor `json:"model"`
	Routing *router.Decision      `json:"routing,omitempty"`

	// Assisted routing
	Pending           bool      `json:"pending,omitempty"`
	SuggestionToken   string    `json:"suggestion_token,omitempty"`
	SuggestionExpires time.Time `json:"suggestion_expires,omitempty"`

	Text            string                `json:"text,omitempty"`
	Usage           *llm.TokenUsage       `json:"usage,omitempty"`
	Attempts        int                   `json:"attempts"`
	Latency         time.Duration         `json:"latency"`
	Context         *assembler.Context    `json:"context,omitempty"`
	LayersTruncated []assembler.LayerKind `json:"layers_truncated,omitempty"`
	States          []State               `json:"states"`

	Error *OrchestrationError `json:"error,omitempty"`
}

// Final returns the last state reached.
func (r *Result) Final() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// Resolver resolves roles to models and backends to adapters.
// *roles.Registry satisfies it.
type Resolver interface {
	Get(role roles.Role) (roles.ModelDescriptor, error)
	Adapter(kind llm.BackendKind) (llm.Adapter, error)
}

// Recorder receives orchestration observations. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveSubmission(routingMode, outcome string)
	ObserveRetry()
	ObserveTruncation(layer string)
	ObserveDegraded(collaborator string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSubmission(string, string) {}
func (nopRecorder) ObserveRetry()                    {}
func (nopRecorder) ObserveTruncation(string)         {}
func (nopRecorder) ObserveDegraded(string)           {}

// ═══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR
// ═══════════════════════════════════════════════════════════════════════════════

// Orchestrator processes requests. Requests in the same session run one at a
// time in arrival order; different sessions run concurrently.
type Orchestrator struct {
	resolver   Resolver
	catalog    *modes.Catalog
	classifier *router.Classifier
	assembler  *assembler.Assembler
	rec        Recorder
	log        zerolog.Logger

	defaultMode   string
	suggestionTTL time.Duration
	genOpts       llm.Options
	now           func() time.Time

	sessionsMu sync.Mutex
	sessions   map[string]*sessionSlot

	suggestions *suggestionStore
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier sets the auto-routing classifier.
func WithClassifier(c *router.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rec = r
		}
	}
}

// WithDefaultMode sets the agent mode used when a request names none.
func WithDefaultMode(name string) Option {
	return func(o *Orchestrator) { o.defaultMode = name }
}

// WithSuggestionTTL sets how long an assisted suggestion may be confirmed.
func WithSuggestionTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.suggestionTTL = d }
}

// WithGenerateOptions sets per-call generation options.
func WithGenerateOptions(opts llm.Options) Option {
	return func(o *Orchestrator) { o.genOpts = opts }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(resolver Resolver, catalog *modes.Catalog, asm *assembler.Assembler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver:      resolver,
		catalog:       catalog,
		assembler:     asm,
		rec:           nopRecorder{},
		log:           logging.Component("orchestrator"),
		defaultMode:   "GENERAL",
		suggestionTTL: 10 * time.Minute,
		now:           time.Now,
		sessions:      make(map[string]*sessionSlot),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = router.Default()
	}
	if o.catalog == nil {
		o.catalog = modes.Default()
	}
	o.suggestions = newSuggestionStore(o.suggestionTTL, o.now)
	return o
}

// pending is a request whose model has been chosen.
type pending struct {
	req        SubmitRequest
	mode       *modes.AgentMode
	descriptor roles.ModelDescriptor
	decision   *router.Decision
	result     *Result
}

// Submit processes req. Invalid requests return a Go error; everything that
// goes wrong after validation is reported in Result.Error.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	mode, err := o.validate(&req)
	if err != nil {
		return nil, err
	}

	release, err := o.lockSession(ctx, req.SessionID)
	if err != nil {
		res := o.newResult(req, mode)
		return o.fail(res, err, roles.ModelDescriptor{}), nil
	}
	defer release()

	res := o.newResult(req, mode)
	logger := o.log.With().Str("request_id", res.RequestID).Str("session", req.SessionID).Logger()

	var decision *router.Decision
	var descriptor roles.ModelDescriptor

	switch req.RoutingMode {
	case RoutingManual:
		descriptor, err = o.manualDescriptor(req)
		if err != nil {
			return o.fail(res, err, descriptor), nil
		}

	case RoutingAuto:
		d := o.classifier.Classify(req.Query, mode)
		decision = &d
		res.Routing = decision
		descriptor, err = o.resolver.Get(d.Role)
		if err != nil {
			return o.fail(res, err, roles.ModelDescriptor{Role: d.Role}), nil
		}

	case RoutingAssisted:
		d := o.classifier.Classify(req.Query, mode)
		res.Routing = &d
		res.Role = d.Role
		if desc, err := o.resolver.Get(d.Role); err == nil {
			res.Model = desc
		}
		res.States = append(res.States, StateModeSelected)
		res.Pending = true
		res.SuggestionToken, res.SuggestionExpires = o.suggestions.put(req, d)
		o.rec.ObserveSubmission(string(req.RoutingMode), "pending")
		logger.Info().
			Str("mode", mode.Name).
			Str("suggested_role", string(d.Role)).
			Str("reason", d.Reason).
			Msg("routing suggestion awaiting confirmation")
		return res, nil
	}

	res.States = append(res.States, StateModeSelected)
	res.Role = descriptor.Role
	res.Model = descriptor

	logger.Info().
		Str("mode", mode.Name).
		Str("routing", string(req.RoutingMode)).
		Str("role", string(descriptor.Role)).
		Str("model", descriptor.Label()).
		Msg("model selected")

	return o.execute(ctx, &pending{req: req, mode: mode, descriptor: descriptor, decision: decision, result: res}, logger), nil
}

// Confirm continues an assisted request. role, when non-empty, overrides
// the suggested role.
func (o *Orchestrator) Confirm(ctx context.Context, token string, role roles.Role) (*Result, error) {
	s, err := o.suggestions.take(token)
	if err != nil {
		return nil, err
	}

	chosen := s.decision.Role
	if role != "" {
		r, err := roles.ParseRole(string(role))
		if err != nil {
			return nil, err
		}
		chosen = r
	}

	mode, err := o.catalog.Get(s.req.AgentMode)
	if err != nil {
		return nil, err
	}

	release, err := o.lockSession(ctx, s.req.SessionID)
	if err != nil {
		res := o.newResult(s.req, mode)
		return o.fail(res, err, roles.ModelDescriptor{}), nil
	}
	defer release()

	res := o.newResult(s.req, mode)
	decision := s.decision
	res.Routing = &decision
	logger := o.log.With().Str("request_id", res.RequestID).Str("session", s.req.SessionID).Logger()

	descriptor, err := o.resolver.Get(chosen)
	if err != nil {
		return o.fail(res, err, roles.ModelDescriptor{Role: chosen}), nil
	}
	res.States = append(res.States, StateModeSelected)
	res.Role = chosen
	res.Model = descriptor

	logger.Info().
		Str("mode", mode.Name).
		Str("role", string(chosen)).
		Bool("overridden", chosen != s.decision.Role).
		Str("model", descriptor.Label()).
		Msg("routing suggestion confirmed")

	return o.execute(ctx, &pending{req: s.req, mode: mode, descriptor: descriptor, decision: &decision, result: res}, logger), nil
}

// validate normalizes req in place and returns its agent mode.
func (o *Orchestrator) validate(req *SubmitRequest) (*modes.AgentMode, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}

	rm, err := ParseRoutingMode(string(req.RoutingMode))
	if err != nil {
		return nil, err
	}
	req.RoutingMode = rm

	if req.AgentMode == "" {
		req.AgentMode = o.defaultMode
	}
	mode, err := o.catalog.Get(req.AgentMode)
	if err != nil {
		return nil, err
	}
	req.AgentMode = mode.Name

	if req.Role != "" {
		r, err := roles.ParseRole(string(req.Role))
		if err != nil {
			return nil, err
		}
		req.Role = r
	}

	if rm == RoutingManual {
		if req.Role == "" && req.ModelID == "" {
			return nil, ErrManualNeedsTarget
		}
		if req.ModelID != "" {
			if req.Backend == "" {
				return nil, ErrBackendRequired
			}
			kind, err := llm.ParseBackendKind(string(req.Backend))
			if err != nil {
				return nil, err
			}
			req.Backend = kind
		}
	}
	return mode, nil
}

func (o *Orchestrator) manualDescriptor(req SubmitRequest) (roles.ModelDescriptor, error) {
	if req.ModelID != "" {
		return roles.ModelDescriptor{
			Role:        req.Role,
			Backend:     req.Backend,
			ModelID:     req.ModelID,
			DisplayName: req.ModelID,
		}, nil
	}
	d, err := o.resolver.Get(req.Role)
	if err != nil {
		return roles.ModelDescriptor{Role: req.Role}, err
	}
	return d, nil
}

func (o *Orchestrator) newResult(req SubmitRequest, mode *modes.AgentMode) *Result {
	return &Result{
		RequestID:   uuid.NewString(),
		SessionID:   req.SessionID,
		ProjectID:   req.ProjectID,
		AgentMode:   mode.Name,
		RoutingMode: req.RoutingMode,
		States:      []State{StateIdle},
	}
}

// execute builds the context and invokes the model, retrying once on
// transient failures.
func (o *Orchestrator) execute(ctx context.Context, p *pending, logger zerolog.Logger) *Result {
	res := p.result
	start := o.now()

	if err := ctx.Err(); err != nil {
		return o.fail(res, err, p.descriptor)
	}

	actx, err := o.assembler.Assemble(ctx, assembler.Request{
		Mode:      p.mode,
		ProjectID: p.req.ProjectID,
		Question:  p.req.Query,
		History:   p.req.History,
	})
	if err != nil {
		oe := &OrchestrationError{Code: CodeContextFailed, Message: err.Error(), err: err}
		return o.failWith(res, oe)
	}
	res.Context = actx
	res.LayersTruncated = actx.TruncatedLayers()
	res.States = append(res.States, StateContextBuilt)
	for _, kind := range res.LayersTruncated {
		o.rec.ObserveTruncation(string(kind))
	}
	for _, note := range actx.Degraded {
		collaborator, _, _ := strings.Cut(note, ":")
		o.rec.ObserveDegraded(collaborator)
	}

	adapter, err := o.resolver.Adapter(p.descriptor.Backend)
	if err != nil {
		return o.fail(res, fmt.Errorf("%w: %v", llm.ErrBackendUnavailable, err), p.descriptor)
	}

	prompt := actx.Prompt()
	res.States = append(res.States, StateModelInvoked)

	var gen *llm.GenerationResult
	for attempt := 1; attempt <= 2; attempt++ {
		res.Attempts = attempt
		gen, err = adapter.Generate(ctx, prompt, p.descriptor.ModelID, o.genOpts)
		if err == nil {
			break
		}
		if attempt == 2 || !llm.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		o.rec.ObserveRetry()
		logger.Warn().Err(err).Str("model", p.descriptor.Label()).Msg("generation failed, retrying once")
	}
	if err == nil && ctx.Err() != nil {
		// An answer that arrives after the caller's deadline is discarded
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, llm.ErrGenerationTimeout) {
			err = &llm.BackendError{Backend: p.descriptor.Backend, Model: p.descriptor.ModelID, Op: "generate", Err: fmt.Errorf("%w: %v", llm.ErrGenerationTimeout, err)}
		}
		res.Latency = o.now().Sub(start)
		return o.fail(res, err, p.descriptor)
	}

	res.Text = gen.Text
	res.Usage = gen.Usage
	res.Latency = o.now().Sub(start)
	res.States = append(res.States, StateCompleted)
	o.rec.ObserveSubmission(string(res.RoutingMode), "completed")

	logger.Info().
		Str("model", p.descriptor.Label()).
		Int("attempts", res.Attempts).
		Dur("latency", res.Latency).
		Int("context_chars", actx.TotalChars).
		Msg("request completed")
	return res
}

func (o *Orchestrator) fail(res *Result, err error, d roles.ModelDescriptor) *Result {
	return o.failWith(res, classify(err, d))
}

func (o *Orchestrator) failWith(res *Result, oe *OrchestrationError) *Result {
	res.Error = oe
	res.Text = ""
	res.Usage = nil
	res.States = append(res.States, StateFailed)
	o.rec.ObserveSubmission(string(res.RoutingMode), "failed")
	o.log.Warn().
		Str("request_id", res.RequestID).
		Str("code", oe.Code).
		Str("message", oe.Message).
		Msg("request failed")
	return res
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// sessionSlot serializes one session. The channel is a one-slot semaphore so
// waiting can be abandoned when the caller's context ends.
type sessionSlot struct {
	sem  chan struct{}
	refs int
}

// lockSession waits for the session's turn. Requests without a session id
// are independent and never wait.
func (o *Orchestrator) lockSession(ctx context.Context, id string) (func(), error) {
	if id == "" {
		return func() {}, nil
	}

	o.sessionsMu.Lock()
	slot, ok := o.sessions[id]
	if !ok {
		slot = &sessionSlot{sem: make(chan struct{}, 1)}
		o.sessions[id] = slot
	}
	slot.refs++
	o.sessionsMu.Unlock()

	unref := func() {
		o.sessionsMu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(o.sessions, id)
		}
		o.sessionsMu.Unlock()
	}

	select {
	case slot.sem <- struct{}{}:
		return func() {
			<-slot.sem
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
}
