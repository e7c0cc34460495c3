package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/pkg/agent"
	"github.com/harun/careline/pkg/commandqueue"
	"github.com/harun/careline/pkg/session"
)

func newService(t *testing.T, store session.Store, agents ...agent.Agent) *Service {
	t.Helper()
	o := New(fixedRouter(session.TargetConversational), registry(t, agents...), WithClock(clock))
	svc := NewService(o, store, commandqueue.New())
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestService_PersistsTurns(t *testing.T) {
	store := session.NewMemoryStore()
	svc := newService(t, store, replyAgent(session.TargetConversational, agent.DirectiveDone, "hi there"))
	ctx := context.Background()

	_, err := svc.ProcessTurn(ctx, "S1", "hello")
	require.NoError(t, err)
	res, err := svc.ProcessTurn(ctx, "S1", "how are you")
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Response)

	st, err := svc.Session(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, st.Turns, 4)
	assert.Equal(t, "how are you", st.Turns[2].Text)
}

func TestService_EmptyInputIsNotPersisted(t *testing.T) {
	svc := newService(t, session.NewMemoryStore(), replyAgent(session.TargetConversational, agent.DirectiveDone, "hi"))

	res, err := svc.ProcessTurn(context.Background(), "S1", "  ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClarify, res.Outcome)

	_, err = svc.Session(context.Background(), "S1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestService_SessionCreatedAuditedOnlyWhenSaved(t *testing.T) {
	var buf bytes.Buffer
	observability.SetAuditWriter(&buf)
	t.Cleanup(func() { observability.SetAuditWriter(os.Stderr) })

	svc := newService(t, session.NewMemoryStore(), replyAgent(session.TargetConversational, agent.DirectiveDone, "hi"))
	ctx := context.Background()

	_, err := svc.ProcessTurn(ctx, "S1", "")
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "session_created")

	_, err = svc.ProcessTurn(ctx, "S1", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "session_created"))

	_, err = svc.ProcessTurn(ctx, "S1", "again")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "session_created"))
}

func TestService_SerializesTurnsPerSession(t *testing.T) {
	svc := newService(t, session.NewMemoryStore(), replyAgent(session.TargetConversational, agent.DirectiveDone, "ok"))

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessTurn(context.Background(), "S1", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := svc.Session(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, st.Turns, 2*n)
	for i, turn := range st.Turns {
		want := session.RoleUser
		if i%2 == 1 {
			want = session.RoleAssistant
		}
		assert.Equal(t, want, turn.Role, "turn %d", i)
	}
}

func TestService_RequestIDDeduplicates(t *testing.T) {
	conv := replyAgent(session.TargetConversational, agent.DirectiveDone, "hi")
	svc := newService(t, session.NewMemoryStore(), conv)

	first, err := svc.ProcessTurn(context.Background(), "S1", "hello", WithRequestID("req-1"))
	require.NoError(t, err)
	second, err := svc.ProcessTurn(context.Background(), "S1", "hello", WithRequestID("req-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, conv.calls())
	assert.Equal(t, first.TurnID, second.TurnID)
}

func TestService_CloseSession(t *testing.T) {
	store := session.NewMemoryStore()
	svc := newService(t, store, replyAgent(session.TargetConversational, agent.DirectiveDone, "hi"))
	ctx := context.Background()

	_, err := svc.ProcessTurn(ctx, "S1", "hello")
	require.NoError(t, err)
	require.NoError(t, svc.CloseSession(ctx, "S1"))

	_, err = svc.Session(ctx, "S1")
	assert.ErrorIs(t, err, session.ErrNotFound)
	archived, ok := store.Archived("S1")
	require.True(t, ok)
	assert.Len(t, archived.Turns, 2)

	assert.ErrorIs(t, svc.CloseSession(ctx, "S1"), session.ErrNotFound)
}

func TestService_RejectsUnsafeIDs(t *testing.T) {
	svc := newService(t, session.NewMemoryStore(), replyAgent(session.TargetConversational, agent.DirectiveDone, "hi"))
	_, err := svc.ProcessTurn(context.Background(), "../etc", "hello")
	assert.Error(t, err)
	assert.Error(t, svc.CloseSession(context.Background(), ""))
}

func TestService_CorruptSnapshotResets(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "S1.json"), []byte("{broken"), 0600))

	conv := replyAgent(session.TargetConversational, agent.DirectiveDone, "hi")
	svc := newService(t, store, conv)

	res, err := svc.ProcessTurn(context.Background(), "S1", "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReset, res.Outcome)
	assert.Zero(t, conv.calls())

	st, err := svc.Session(context.Background(), "S1")
	require.NoError(t, err)
	assert.Len(t, st.Turns, 2)

	res, err = svc.ProcessTurn(context.Background(), "S1", "hello again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)
}
