package toolexecutor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func billingTool(handler ToolHandler) ToolDefinition {
	return ToolDefinition{
		Name:        "fetch_billing_info",
		Description: "Billing summary for a visit",
		Parameters: []ToolParameter{
			{Name: "member_id", Type: "string", Description: "Member identifier", Required: true},
			{Name: "visit_date", Type: "string", Description: "Visit date", Required: false},
		},
		Handler: handler,
	}
}

func TestRegisterTool(t *testing.T) {
	te := New()
	ok := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	require.NoError(t, te.RegisterTool(billingTool(ok)))
	assert.Equal(t, CategoryRead, te.GetTool("fetch_billing_info").Category)
	assert.Error(t, te.RegisterTool(billingTool(ok)), "duplicate name")

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "d", Handler: ok}},
		{"empty description", ToolDefinition{Name: "x", Handler: ok}},
		{"nil handler", ToolDefinition{Name: "x", Description: "d"}},
		{"bad category", ToolDefinition{Name: "x", Description: "d", Handler: ok, Category: "admin"}},
		{"bad param type", ToolDefinition{Name: "x", Description: "d", Handler: ok,
			Parameters: []ToolParameter{{Name: "p", Type: "date", Description: "d"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
	assert.Equal(t, []string{"fetch_billing_info"}, te.ListTools())
}

func TestInvoke_Success(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(billingTool(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		info, ok := CallFromContext(ctx)
		assert.True(t, ok)
		assert.Equal(t, "S1", info.SessionID)
		params["member_id"] = "mutated by handler"
		return map[string]interface{}{"deductible": 500}, nil
	})))

	args := map[string]interface{}{"member_id": "MBR156655633"}
	inv := te.Invoke(context.Background(), "fetch_billing_info", args, &CallOptions{SessionID: "S1", Caller: "transactional"})

	require.True(t, inv.OK())
	assert.Equal(t, "success", inv.Outcome())
	assert.Equal(t, 500, inv.PayloadMap()["deductible"])
	assert.Equal(t, "MBR156655633", inv.Args["member_id"])
	assert.Equal(t, 1, inv.Attempt)
	assert.NotEmpty(t, inv.ID)
	assert.Greater(t, inv.Latency, time.Duration(0))

	args["member_id"] = "changed later"
	assert.Equal(t, "MBR156655633", inv.Args["member_id"])
}

func TestInvoke_FailureKinds(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(billingTool(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		switch params["member_id"] {
		case "missing":
			return nil, NotFound("no member %s", params["member_id"])
		case "limited":
			return nil, NewError(ErrRateLimited, "slow down")
		case "boom":
			return nil, errors.New("db exploded")
		case "panic":
			panic("handler bug")
		}
		return "ok", nil
	})))

	tests := []struct {
		name      string
		tool      string
		args      map[string]interface{}
		policy    *ToolPolicy
		kind      ErrorKind
		transient bool
	}{
		{"unknown tool", "nope", nil, nil, ErrNotFound, false},
		{"missing required arg", "fetch_billing_info", map[string]interface{}{}, nil, ErrInvalidArgument, false},
		{"empty required arg", "fetch_billing_info", map[string]interface{}{"member_id": ""}, nil, ErrInvalidArgument, false},
		{"unexpected arg", "fetch_billing_info", map[string]interface{}{"member_id": "a", "ssn": "x"}, nil, ErrInvalidArgument, false},
		{"wrong type", "fetch_billing_info", map[string]interface{}{"member_id": 12}, nil, ErrInvalidArgument, false},
		{"policy denied", "fetch_billing_info", map[string]interface{}{"member_id": "a"}, &ToolPolicy{Allow: []string{"search_documents"}}, ErrAuthorizationDenied, false},
		{"handler not found", "fetch_billing_info", map[string]interface{}{"member_id": "missing"}, nil, ErrNotFound, false},
		{"handler rate limited", "fetch_billing_info", map[string]interface{}{"member_id": "limited"}, nil, ErrRateLimited, true},
		{"untyped handler error", "fetch_billing_info", map[string]interface{}{"member_id": "boom"}, nil, ErrInternal, false},
		{"handler panic", "fetch_billing_info", map[string]interface{}{"member_id": "panic"}, nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := te.Invoke(context.Background(), tt.tool, tt.args, &CallOptions{Policy: tt.policy})
			require.NotNil(t, inv.Err)
			assert.Equal(t, tt.kind, inv.Err.Kind)
			assert.Equal(t, tt.transient, inv.Err.Kind.Transient())
			assert.Equal(t, tt.tool, inv.Err.Tool)
			assert.Nil(t, inv.Payload)
		})
	}
}

func TestInvoke_TimeoutDiscardsLateResult(t *testing.T) {
	te := New()
	var finished atomic.Bool
	release := make(chan struct{})
	require.NoError(t, te.RegisterTool(billingTool(func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		<-release
		finished.Store(true)
		return "late", nil
	})))

	inv := te.Invoke(context.Background(), "fetch_billing_info",
		map[string]interface{}{"member_id": "a"}, &CallOptions{Timeout: 20 * time.Millisecond, Attempt: 2})

	require.NotNil(t, inv.Err)
	assert.Equal(t, ErrTimeout, inv.Err.Kind)
	assert.True(t, inv.Err.Kind.Transient())
	assert.Equal(t, 2, inv.Attempt)
	assert.Nil(t, inv.Payload)

	close(release)
	assert.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
	assert.Nil(t, inv.Payload)
}

func TestAsToolError(t *testing.T) {
	assert.Nil(t, AsToolError("x", nil))
	assert.Equal(t, ErrTimeout, AsToolError("x", context.DeadlineExceeded).Kind)

	wrapped := AsToolError("x", errors.Join(errors.New("ctx"), InvalidArgument("bad date")))
	assert.Equal(t, ErrInvalidArgument, wrapped.Kind)
	assert.Equal(t, "x", wrapped.Tool)
}
