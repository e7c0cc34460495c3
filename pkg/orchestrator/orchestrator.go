package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
	"github.com/harun/careline/pkg/agent"
	"github.com/harun/careline/pkg/guardrails"
	"github.com/harun/careline/pkg/routing"
	"github.com/harun/careline/pkg/session"
	"github.com/harun/careline/pkg/toolexecutor"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomeAwaitingUser Outcome = "awaiting_user"
	OutcomeClarify      Outcome = "clarify"
	OutcomeFallback     Outcome = "fallback"
	OutcomeDeadline     Outcome = "deadline"
	OutcomeReset        Outcome = "reset"
)

// User-facing responses the orchestrator emits on its own.
const (
	ClarifyResponse  = "I didn't catch that. Could you tell me what you need help with, for example a billing question, plan coverage or an appointment?"
	FallbackResponse = "I'm sorry, I wasn't able to complete that request. Could you rephrase it, or would you like me to connect you with a human representative?"
	DeadlineResponse = "I'm sorry, that took longer than expected. Please try again in a moment."
	ResetResponse    = "I'm sorry, something went wrong with this conversation and I had to start over. Could you repeat your request?"
)

// ErrEmptyInput marks a turn rejected before routing.
var ErrEmptyInput = errors.New("empty turn input")

// errCorrupt marks a session state invariant violation found mid-turn.
var errCorrupt = errors.New("session state corrupt")

// TurnResult is the outcome of one processed turn.
type TurnResult struct {
	Response        string                    `json:"response"`
	Outcome         Outcome                   `json:"outcome"`
	Target          session.Target            `json:"target,omitempty"`
	Decision        routing.Decision          `json:"decision"`
	Session         session.State             `json:"session"`
	Invocations     []toolexecutor.Invocation `json:"invocations,omitempty"`
	Dispatches      int                       `json:"dispatches"`
	HandoffRequired bool                      `json:"handoff_required"`
	HandoffReasons  []string                  `json:"handoff_reasons,omitempty"`
	TurnID          string                    `json:"turn_id,omitempty"`
}

// Orchestrator owns a session's state for the duration of a turn.
type Orchestrator struct {
	router   *routing.Router
	registry *agent.Registry
	guard    *guardrails.Checker
	cfg      Config
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the orchestrator options.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithGuardrails reviews every response before it is emitted.
func WithGuardrails(g *guardrails.Checker) Option {
	return func(o *Orchestrator) {
		o.guard = g
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an orchestrator. A nil router routes by keywords.
func New(router *routing.Router, registry *agent.Registry, opts ...Option) *Orchestrator {
	observability.EnsureRegistered()

	if router == nil {
		router = routing.NewRouter(nil)
	}
	if registry == nil {
		registry = agent.NewRegistry()
	}
	o := &Orchestrator{
		router:   router,
		registry: registry,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.normalized()
	return o
}

// Config returns the effective options.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// turn is the working set of one ProcessTurn call.
type turn struct {
	st          *session.State
	text        string
	decision    routing.Decision
	entry       session.PlanEntry
	target      session.Target
	attempts    map[session.Target]int
	delegations int
	dispatches  int
	invocations []toolexecutor.Invocation
}

// ProcessTurn runs one turn against st. st is mutated in place; callers
// must not process two turns of the same session concurrently.
func (o *Orchestrator) ProcessTurn(ctx context.Context, st *session.State, text string) (TurnResult, error) {
	if st == nil {
		return TurnResult{}, fmt.Errorf("session state is required")
	}
	if tracing.GetTurnID(ctx) == "" {
		ctx = tracing.NewTurnContext(ctx, st.ID)
	}
	ctx, span := tracing.StartSpan(ctx, "careline.orchestrator", "orchestrator.turn",
		attribute.String("session_key", st.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()

	text = strings.TrimSpace(text)
	if text == "" {
		logger.Debug().Err(ErrEmptyInput).Msg("Turn rejected before routing")
		observability.RecordTurn(string(OutcomeClarify), time.Since(start))
		return TurnResult{
			Response: ClarifyResponse,
			Outcome:  OutcomeClarify,
			Session:  st.Snapshot(),
			TurnID:   tracing.GetTurnID(ctx),
		}, nil
	}

	if err := st.Validate(); err != nil {
		return o.reset(ctx, st, text, nil, err, start), nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnDeadline)
	defer cancel()

	now := o.now()
	if o.cfg.CitationPolicy == CitationPerTurn {
		for _, key := range citationFacts {
			st.ClearFact(key, now)
		}
	}

	t := &turn{st: st, text: text, attempts: map[session.Target]int{}}
	t.decision = o.router.Route(ctx, routing.InputFromState(st, text, o.cfg.HistoryWindow))
	st.AppendTurn(session.RoleUser, text, now)

	if err := o.plan(t); err != nil {
		return o.reset(ctx, st, text, t.invocations, err, start), nil
	}

	response, outcome, err := o.dispatchLoop(ctx, t)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return o.reset(ctx, st, text, t.invocations, err, start), nil
	}

	res := TurnResult{
		Outcome:     outcome,
		Target:      t.target,
		Decision:    t.decision,
		Invocations: t.invocations,
		Dispatches:  t.dispatches,
		TurnID:      tracing.GetTurnID(ctx),
	}
	verdict := o.guard.Review(ctx, text, response, t.invocations)
	res.Response = verdict.Response
	res.HandoffRequired = verdict.HandoffRequired
	res.HandoffReasons = verdict.Reasons

	if outcome == OutcomeFallback || outcome == OutcomeDeadline {
		st.LastError = string(outcome)
	} else {
		st.LastError = ""
	}
	st.AppendTurn(session.RoleAssistant, res.Response, o.now())
	res.Session = st.Snapshot()

	observability.RecordTurn(string(outcome), time.Since(start))
	span.SetAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("target", string(t.target)),
		attribute.Int("dispatches", t.dispatches),
	)
	logger.Info().
		Str("outcome", string(outcome)).
		Str("target", string(t.target)).
		Str("route_source", string(t.decision.Source)).
		Int("dispatches", t.dispatches).
		Int("tool_calls", len(t.invocations)).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")
	return res, nil
}

// plan reuses the open entry on continuity and otherwise supersedes open
// entries with a fresh one for the routed target.
func (o *Orchestrator) plan(t *turn) error {
	now := o.now()
	if t.decision.Source == routing.SourceContinuity {
		if pending, ok := t.st.PendingEntry(); ok && pending.Target == t.decision.Target {
			t.entry = pending
			t.target = pending.Target
			return nil
		}
	}
	for _, p := range t.st.Plan {
		if !p.Open() {
			continue
		}
		if err := t.st.TransitionPlan(p.ID, session.PlanFailed, "superseded", now); err != nil {
			return err
		}
	}
	t.entry = t.st.AddPlanEntry(t.decision.Target, t.text, now)
	t.target = t.decision.Target
	return nil
}

// dispatchLoop runs agents until one ends the turn. A non-nil error means
// the session state is corrupt.
func (o *Orchestrator) dispatchLoop(ctx context.Context, t *turn) (string, Outcome, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	for {
		if ctx.Err() != nil {
			return DeadlineResponse, OutcomeDeadline, o.close(t, session.PlanFailed, "deadline exceeded")
		}

		a, ok := o.registry.Get(t.target)
		if !ok {
			logger.Error().Str("target", string(t.target)).Msg("No agent registered for target")
			return FallbackResponse, OutcomeFallback, o.close(t, session.PlanFailed, "no agent")
		}

		res, err := o.dispatch(ctx, a, t)
		t.dispatches++
		t.invocations = append(t.invocations, res.Invocations...)
		if ctx.Err() != nil {
			logger.Warn().Str("target", string(t.target)).Msg("Turn deadline exceeded, discarding agent result")
			return DeadlineResponse, OutcomeDeadline, o.close(t, session.PlanFailed, "deadline exceeded")
		}
		if err != nil {
			logger.Error().Err(err).Str("target", string(t.target)).Msg("Agent dispatch failed")
			return FallbackResponse, OutcomeFallback, o.close(t, session.PlanFailed, "agent error")
		}

		now := o.now()
		t.st.ApplyDelta(res.Delta, now)
		for _, key := range res.ClearFacts {
			t.st.ClearFact(key, now)
		}

		switch res.Directive {
		case agent.DirectiveDone:
			return respond(res.Response), OutcomeDone, o.close(t, session.PlanDone, "")

		case agent.DirectiveNeedsMoreInfo:
			return respond(res.Response), OutcomeAwaitingUser, nil

		case agent.DirectiveDelegate:
			if t.delegations >= o.cfg.MaxDelegations {
				logger.Warn().Int("delegations", t.delegations).Msg("Delegation limit reached")
				return FallbackResponse, OutcomeFallback, o.close(t, session.PlanFailed, "delegation limit reached")
			}
			if !res.DelegateTo.Valid() {
				logger.Error().Str("delegate_to", string(res.DelegateTo)).Msg("Agent delegated to unknown target")
				return FallbackResponse, OutcomeFallback, o.close(t, session.PlanFailed, "invalid delegation")
			}
			from := t.target
			if err := o.close(t, session.PlanDone, "delegated to "+string(res.DelegateTo)); err != nil {
				return "", "", err
			}
			t.delegations++
			t.entry = t.st.AddPlanEntry(res.DelegateTo, t.text, now)
			t.target = res.DelegateTo
			observability.RecordDelegation(string(from), string(t.target))

		case agent.DirectiveRetry:
			t.attempts[t.target]++

		default:
			logger.Error().Str("directive", string(res.Directive)).Msg("Agent returned unknown directive")
			return FallbackResponse, OutcomeFallback, o.close(t, session.PlanFailed, "invalid directive")
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, a agent.Agent, t *turn) (agent.Result, error) {
	ctx = tracing.WithAgentID(ctx, string(a.Target()))
	ctx, span := tracing.StartSpan(ctx, "careline.orchestrator", "orchestrator.dispatch",
		attribute.String("target", string(a.Target())),
		attribute.Int("attempt", t.attempts[t.target]),
	)
	defer span.End()

	res, err := a.Handle(ctx, agent.Request{
		SessionID: t.st.ID,
		State:     t.st.Snapshot(),
		History:   t.st.History(o.cfg.HistoryWindow),
		Input:     t.text,
		Slots:     t.decision.Slots,
		Entry:     t.entry,
		Attempt:   t.attempts[t.target],
	})
	if err != nil {
		tracing.RecordSpanError(span, err)
		return res, err
	}
	span.SetAttributes(attribute.String("directive", string(res.Directive)))
	observability.RecordDispatch(string(a.Target()), string(res.Directive))
	return res, nil
}

// close moves the current plan entry to a terminal status.
func (o *Orchestrator) close(t *turn, to session.PlanStatus, resolution string) error {
	if err := t.st.TransitionPlan(t.entry.ID, to, resolution, o.now()); err != nil {
		return fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return nil
}

// reset replaces a corrupt session with a fresh one. The diagnostic
// context goes to the error log and the audit trail.
func (o *Orchestrator) reset(ctx context.Context, st *session.State, text string, invocations []toolexecutor.Invocation, cause error, start time.Time) TurnResult {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Error().Err(cause).Int("turns", len(st.Turns)).Int("plan_entries", len(st.Plan)).Msg("Session state corrupt, resetting session")

	tools := make([]map[string]interface{}, 0, len(invocations))
	for _, inv := range invocations {
		tools = append(tools, map[string]interface{}{
			"id":         inv.ID,
			"tool":       inv.Tool,
			"outcome":    inv.Outcome(),
			"latency_ms": inv.Latency.Milliseconds(),
		})
	}
	observability.RecordSessionAudit(ctx, "session_reset", "orchestrator", map[string]interface{}{
		"session_id":  st.ID,
		"error":       cause.Error(),
		"turns":       len(st.Turns),
		"plan":        st.Plan,
		"invocations": tools,
	})

	now := o.now()
	fresh := session.NewState(st.ID, now)
	fresh.LastError = cause.Error()
	fresh.AppendTurn(session.RoleUser, text, now)
	fresh.AppendTurn(session.RoleAssistant, ResetResponse, now)
	*st = *fresh

	observability.RecordTurn(string(OutcomeReset), time.Since(start))
	return TurnResult{
		Response:    ResetResponse,
		Outcome:     OutcomeReset,
		Session:     st.Snapshot(),
		Invocations: invocations,
		TurnID:      tracing.GetTurnID(ctx),
	}
}

func respond(text string) string {
	if strings.TrimSpace(text) == "" {
		return FallbackResponse
	}
	return text
}
