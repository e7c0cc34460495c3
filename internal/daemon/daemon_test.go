package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/careline/internal/config"
	"github.com/harun/careline/internal/logger"
	"github.com/harun/careline/pkg/gateway"
	"github.com/harun/careline/pkg/knowledge"
	"github.com/harun/careline/pkg/orchestrator"
	"github.com/harun/careline/pkg/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Session.Store = "memory"
	cfg.Records.Path = filepath.Join("..", "..", "pkg", "records", "testdata", "records.json")
	cfg.Knowledge.DocsDir = filepath.Join("..", "..", "pkg", "knowledge", "testdata", "docs")
	cfg.Knowledge.DBPath = filepath.Join(dir, "knowledge.db")
	cfg.Knowledge.Watch = false
	cfg.Logging.AuditFile = filepath.Join(dir, "audit.log")
	cfg.Gateway.Port = 0
	return cfg
}

func newTestDaemonWith(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	if errors.Is(err, knowledge.ErrFTS5Unavailable) {
		t.Skip("SQLite FTS5 not available in test environment")
	}
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestDaemon(t *testing.T) *Daemon {
	return newTestDaemonWith(t, testConfig(t))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.CitationPolicy = "forever"

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "citation_policy")
}

func TestNew_RejectsUnknownPolicyTool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Policies = map[string]config.ToolPolicyConfig{
		"transactional": {Allow: []string{"wire_transfer"}},
	}

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "wire_transfer")
}

func TestDaemon_TransactionalTurn(t *testing.T) {
	d := newTestDaemon(t)

	res, err := d.Service().ProcessTurn(context.Background(), "member-1", "What's my deductible for my last visit?")
	require.NoError(t, err)

	assert.Equal(t, orchestrator.OutcomeDone, res.Outcome)
	assert.Equal(t, session.TargetTransactional, res.Target)
	assert.Contains(t, res.Response, "500")
	assert.NotEmpty(t, res.Invocations)

	st, err := d.Service().Session(context.Background(), "member-1")
	require.NoError(t, err)
	assert.Len(t, st.Turns, 2)
}

func TestDaemon_RetrievalTurn(t *testing.T) {
	d := newTestDaemon(t)

	report, err := d.Index(context.Background())
	require.NoError(t, err)
	assert.Positive(t, report.FilesIndexed)

	res, err := d.Service().ProcessTurn(context.Background(), "member-2", "What is the referral policy?")
	require.NoError(t, err)
	assert.Equal(t, session.TargetRetrieval, res.Target)
	assert.NotEmpty(t, res.Response)
}

func TestDaemon_DefaultKnowledgeBackend(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, "chromem", cfg.Knowledge.Backend)
	d := newTestDaemonWith(t, cfg)

	report, err := d.Index(context.Background())
	require.NoError(t, err)
	assert.Positive(t, report.ChunksCreated)
}

func TestDaemon_SQLiteKnowledgeBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Knowledge.Backend = "sqlite"
	d := newTestDaemonWith(t, cfg)

	report, err := d.Index(context.Background())
	require.NoError(t, err)
	assert.Positive(t, report.FilesIndexed)

	res, err := d.Service().ProcessTurn(context.Background(), "member-4", "What is the referral policy?")
	require.NoError(t, err)
	assert.Equal(t, session.TargetRetrieval, res.Target)
}

func TestDaemon_SQLiteRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.Records.Backend = "sqlite"
	cfg.Records.DBPath = filepath.Join(cfg.DataDir, "records.db")
	d := newTestDaemonWith(t, cfg)

	res, err := d.Service().ProcessTurn(context.Background(), "member-3", "What's my copay?")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDone, res.Outcome)
	assert.Contains(t, res.Response, "$")
}

func TestDaemon_StartServeStop(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.Error(t, d.Start())

	_, err := os.Stat(PIDFilePath(d.config.DataDir))
	require.NoError(t, err)

	body := `{"id":"1","method":"turn.process","params":{"session_id":"gw-1","text":"hello"}}`
	resp, err := http.Post("http://"+d.Gateway().Addr()+"/rpc", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out gateway.RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(t, out.Error)
	assert.Equal(t, "conversational", out.Result.(map[string]interface{})["target"])

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err = os.Stat(PIDFilePath(d.config.DataDir))
	assert.True(t, os.IsNotExist(err))
}
