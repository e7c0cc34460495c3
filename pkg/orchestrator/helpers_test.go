package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harun/careline/pkg/agent"
	"github.com/harun/careline/pkg/routing"
	"github.com/harun/careline/pkg/session"
	"github.com/harun/careline/pkg/toolexecutor"
)

var t0 = time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

// fixedRouter always classifies to target.
func fixedRouter(target session.Target) *routing.Router {
	return routing.NewRouter(routing.ClassifierFunc(func(context.Context, routing.Input) (routing.Decision, error) {
		return routing.Decision{Target: target, Confidence: 0.9, Source: routing.SourceLLM}, nil
	}))
}

// funcAgent adapts a function to agent.Agent and records requests.
type funcAgent struct {
	target session.Target
	fn     func(ctx context.Context, req agent.Request) (agent.Result, error)

	mu       sync.Mutex
	requests []agent.Request
}

func (a *funcAgent) Target() session.Target { return a.target }

func (a *funcAgent) Handle(ctx context.Context, req agent.Request) (agent.Result, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return a.fn(ctx, req)
}

func (a *funcAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func replyAgent(target session.Target, directive agent.Directive, text string) *funcAgent {
	return &funcAgent{target: target, fn: func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{Directive: directive, Response: text}, nil
	}}
}

func registry(t *testing.T, agents ...agent.Agent) *agent.Registry {
	t.Helper()
	r := agent.NewRegistry()
	for _, a := range agents {
		require.NoError(t, r.Register(a))
	}
	return r
}

// flakyTools serves scripted failures before delegating to a real executor.
type flakyTools struct {
	next     agent.Tools
	mu       sync.Mutex
	failures map[string][]toolexecutor.ErrorKind
}

func (f *flakyTools) Invoke(ctx context.Context, name string, args map[string]interface{}, opts *toolexecutor.CallOptions) toolexecutor.Invocation {
	f.mu.Lock()
	q := f.failures[name]
	var kind toolexecutor.ErrorKind
	if len(q) > 0 {
		kind, f.failures[name] = q[0], q[1:]
	}
	f.mu.Unlock()

	if kind != "" {
		return toolexecutor.Invocation{
			ID:        "flaky",
			Tool:      name,
			Args:      args,
			Attempt:   opts.Attempt,
			StartedAt: t0,
			Err:       toolexecutor.NewError(kind, "injected %s", kind),
		}
	}
	return f.next.Invoke(ctx, name, args, opts)
}

func userTurns(st session.State) int {
	n := 0
	for _, turn := range st.Turns {
		if turn.Role == session.RoleUser {
			n++
		}
	}
	return n
}
