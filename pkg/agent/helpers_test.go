package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harun/careline/pkg/coretools"
	"github.com/harun/careline/pkg/knowledge"
	"github.com/harun/careline/pkg/records"
	"github.com/harun/careline/pkg/session"
	"github.com/harun/careline/pkg/toolexecutor"
)

var t0 = time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC)

type reply struct {
	payload interface{}
	err     *toolexecutor.ToolError
}

func succeed(payload interface{}) reply {
	return reply{payload: payload}
}

func fail(kind toolexecutor.ErrorKind) reply {
	return reply{err: toolexecutor.NewError(kind, "scripted %s", kind)}
}

// scriptedTools replays replies per tool; the last reply repeats.
type scriptedTools struct {
	mu     sync.Mutex
	script map[string][]reply
	calls  []toolexecutor.Invocation
	opts   []toolexecutor.CallOptions
}

func newScriptedTools(script map[string][]reply) *scriptedTools {
	return &scriptedTools{script: script}
}

func (s *scriptedTools) Invoke(_ context.Context, name string, args map[string]interface{}, opts *toolexecutor.CallOptions) toolexecutor.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv := toolexecutor.Invocation{Tool: name, Args: args, Attempt: opts.Attempt}
	q := s.script[name]
	if len(q) == 0 {
		inv.Err = toolexecutor.NewError(toolexecutor.ErrNotFound, "unscripted tool %s", name)
	} else {
		inv.Payload, inv.Err = q[0].payload, q[0].err
		if len(q) > 1 {
			s.script[name] = q[1:]
		}
	}
	s.calls = append(s.calls, inv)
	s.opts = append(s.opts, *opts)
	return inv
}

func (s *scriptedTools) toolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Tool
	}
	return out
}

type fakeDocuments struct {
	passages []knowledge.Passage
	queries  []string
}

func (f *fakeDocuments) Search(_ context.Context, query string, topK int) ([]knowledge.Passage, error) {
	f.queries = append(f.queries, query)
	if len(f.passages) > topK {
		return f.passages[:topK], nil
	}
	return f.passages, nil
}

// newCoreExecutor wires the real core tools over the records fixture.
func newCoreExecutor(t *testing.T, docs knowledge.Source) *toolexecutor.ToolExecutor {
	t.Helper()
	cat, err := records.LoadJSON(filepath.Join("..", "records", "testdata", "records.json"))
	require.NoError(t, err)

	executor := toolexecutor.New()
	opts := coretools.CatalogSources(cat, coretools.Options{
		Documents: docs,
		Now:       func() time.Time { return t0 },
	})
	require.NoError(t, coretools.RegisterCoreTools(executor, opts))
	return executor
}

func request(st *session.State, input string, slots map[string]string) Request {
	if slots == nil {
		slots = map[string]string{}
	}
	return Request{
		SessionID: st.ID,
		State:     st.Snapshot(),
		History:   st.History(6),
		Input:     input,
		Slots:     slots,
	}
}

func factString(t *testing.T, d session.Delta, key string) string {
	t.Helper()
	v, ok := d.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
