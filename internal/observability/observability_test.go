package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/careline/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler_ExposesCarelineMetrics(t *testing.T) {
	RecordTurn("answered", 120*time.Millisecond)
	RecordRoutingDecision("retrieval", "classifier")
	RecordToolExecution("fetch_billing_info", 5*time.Millisecond, "")
	RecordToolExecution("fetch_billing_info", 5*time.Millisecond, "TIMEOUT")
	SetProviderCooldown("anthropic", true)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `careline_turn_total{outcome="answered"}`)
	assert.Contains(t, body, `careline_routing_decisions_total{source="classifier",target="retrieval"}`)
	assert.Contains(t, body, `careline_tool_errors_total{kind="TIMEOUT",tool="fetch_billing_info"}`)
	assert.Contains(t, body, `careline_provider_cooldown_active{provider="anthropic"} 1`)
}

func TestAuditLogger_RecordsTurnContext(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)

	ctx := tracing.WithTurnID(tracing.WithTraceID(context.Background(), "trace-a"), "turn-a")
	RecordToolAudit(ctx, "check_plan_coverage", "S1", "success", map[string]interface{}{
		"arg_keys": []string{"plan_id", "procedure_code"},
	})

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, "tool", event["type"])
	assert.Equal(t, "invoke:check_plan_coverage", event["action"])
	assert.Equal(t, "S1", event["actor"])
	assert.Equal(t, "trace-a", event["trace_id"])
	assert.Equal(t, "turn-a", event["turn_id"])
}

func TestInitAuditLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() { _ = GetAuditLogger().Close() })

	RecordSessionAudit(context.Background(), "session_closed", "S2", nil)
	require.NoError(t, GetAuditLogger().Close())

	data := readFile(t, path)
	assert.True(t, strings.Contains(data, `"action":"session_closed"`))
}
