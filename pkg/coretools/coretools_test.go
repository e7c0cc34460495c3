package coretools

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/careline/pkg/knowledge"
	"github.com/harun/careline/pkg/records"
	"github.com/harun/careline/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocuments struct {
	passages []knowledge.Passage
	err      error
	gotTopK  int
}

func (f *fakeDocuments) Search(_ context.Context, _ string, topK int) ([]knowledge.Passage, error) {
	f.gotTopK = topK
	return f.passages, f.err
}

var fixedNow = time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, docs knowledge.Source) (*toolexecutor.ToolExecutor, *AppointmentBook) {
	t.Helper()
	cat, err := records.LoadJSON(filepath.Join("..", "records", "testdata", "records.json"))
	require.NoError(t, err)

	book := NewAppointmentBook()
	executor := toolexecutor.New()
	opts := CatalogSources(cat, Options{
		Documents:    docs,
		Appointments: book,
		Now:          func() time.Time { return fixedNow },
	})
	require.NoError(t, RegisterCoreTools(executor, opts))
	return executor, book
}

func invoke(executor *toolexecutor.ToolExecutor, tool string, args map[string]interface{}) toolexecutor.Invocation {
	return executor.Invoke(context.Background(), tool, args, nil)
}

func TestRegisterCoreTools(t *testing.T) {
	executor, _ := newTestExecutor(t, nil)
	assert.Equal(t, []string{
		ToolCheckPlanCoverage,
		ToolFetchBillingInfo,
		ToolResolveMember,
		ToolScheduleAppointment,
		ToolSearchDocuments,
	}, executor.ListTools())

	assert.Error(t, RegisterCoreTools(nil, Options{}))
	assert.Error(t, RegisterCoreTools(executor, Options{}), "duplicate registration")
}

func TestResolveMember(t *testing.T) {
	executor, _ := newTestExecutor(t, nil)

	inv := invoke(executor, ToolResolveMember, map[string]interface{}{"member_id": "MBR156655633"})
	require.True(t, inv.OK(), inv.Err)
	assert.Equal(t, "EPO_CORE", inv.PayloadMap()["plan_id"])
	assert.Equal(t, "Jordan Alvarez", inv.PayloadMap()["name"])

	inv = invoke(executor, ToolResolveMember, map[string]interface{}{"member_id": "MBR000000000"})
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrNotFound, inv.Err.Kind)
}

func TestFetchBillingInfo(t *testing.T) {
	executor, _ := newTestExecutor(t, nil)

	tests := []struct {
		name     string
		args     map[string]interface{}
		wantKind toolexecutor.ErrorKind
		wantDate string
	}{
		{name: "latest visit", args: map[string]interface{}{"member_id": "MBR156655633"}, wantDate: "2025-11-10"},
		{name: "explicit visit", args: map[string]interface{}{"member_id": "MBR156655633", "visit_date": "2025-10-02"}, wantDate: "2025-10-02"},
		{name: "unknown date", args: map[string]interface{}{"member_id": "MBR156655633", "visit_date": "2020-01-01"}, wantKind: toolexecutor.ErrNotFound},
		{name: "bad date", args: map[string]interface{}{"member_id": "MBR156655633", "visit_date": "11/10/2025"}, wantKind: toolexecutor.ErrInvalidArgument},
		{name: "member without visits", args: map[string]interface{}{"member_id": "MBR200000001"}, wantKind: toolexecutor.ErrNotFound},
		{name: "missing member id", args: map[string]interface{}{}, wantKind: toolexecutor.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := invoke(executor, ToolFetchBillingInfo, tt.args)
			if tt.wantKind != "" {
				require.False(t, inv.OK())
				assert.Equal(t, tt.wantKind, inv.Err.Kind)
				return
			}
			require.True(t, inv.OK(), inv.Err)
			payload := inv.PayloadMap()
			assert.Equal(t, tt.wantDate, payload["visit_date"])
			assert.Equal(t, 500.0, payload["deductible"])
		})
	}

	inv := invoke(executor, ToolFetchBillingInfo, map[string]interface{}{"member_id": "MBR156655633"})
	payload := inv.PayloadMap()
	assert.Equal(t, "Dr. Chen", payload["doctor"])
	assert.Equal(t, 30.0, payload["copay"])
	assert.Equal(t, 45.5, payload["outstanding_balance"])
}

func TestCheckPlanCoverage(t *testing.T) {
	executor, _ := newTestExecutor(t, nil)

	inv := invoke(executor, ToolCheckPlanCoverage, map[string]interface{}{"plan_id": "EPO_CORE", "procedure_code": "pt_generic"})
	require.True(t, inv.OK(), inv.Err)
	assert.Equal(t, true, inv.PayloadMap()["covered"])
	assert.Equal(t, "PT_GENERIC", inv.PayloadMap()["procedure_code"])

	inv = invoke(executor, ToolCheckPlanCoverage, map[string]interface{}{"plan_id": "EPO_CORE", "procedure_code": "COSMETIC"})
	require.True(t, inv.OK(), inv.Err)
	assert.Equal(t, false, inv.PayloadMap()["covered"])

	inv = invoke(executor, ToolCheckPlanCoverage, map[string]interface{}{"plan_id": "PPO_PLUS", "procedure_code": "MRI_KNEE"})
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrNotFound, inv.Err.Kind)

	inv = invoke(executor, ToolCheckPlanCoverage, map[string]interface{}{"plan_id": "GOLD", "procedure_code": "PT_GENERIC"})
	require.False(t, inv.OK())
	assert.Contains(t, inv.Err.Message, "no plan GOLD")
}

func TestScheduleAppointment(t *testing.T) {
	executor, book := newTestExecutor(t, nil)
	args := map[string]interface{}{
		"member_id": "MBR156655633",
		"doctor":    "Dr. Chen",
		"reason":    "Follow-up regarding medication discussed in last visit.",
	}

	inv := invoke(executor, ToolScheduleAppointment, args)
	require.True(t, inv.OK(), inv.Err)
	payload := inv.PayloadMap()
	assert.Equal(t, fixedNow.Format(time.RFC3339), payload["scheduled_at"])
	assert.Contains(t, payload["appointment_id"], "apt_")

	args["requested_time"] = "2025-12-01T09:30:00-05:00"
	inv = invoke(executor, ToolScheduleAppointment, args)
	require.True(t, inv.OK(), inv.Err)
	assert.Equal(t, "2025-12-01T14:30:00Z", inv.PayloadMap()["scheduled_at"])

	appts := book.ForMember("MBR156655633")
	require.Len(t, appts, 2)
	assert.True(t, appts[0].ScheduledAt.Before(appts[1].ScheduledAt))

	args["requested_time"] = "tomorrow"
	inv = invoke(executor, ToolScheduleAppointment, args)
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrInvalidArgument, inv.Err.Kind)

	args["member_id"] = "MBR000000000"
	delete(args, "requested_time")
	inv = invoke(executor, ToolScheduleAppointment, args)
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrNotFound, inv.Err.Kind)
}

func TestSearchDocuments(t *testing.T) {
	docs := &fakeDocuments{passages: []knowledge.Passage{
		{ID: "a.md#0", DocumentID: "a.md", Text: "alpha", Score: 0.9},
		{ID: "b.md#0", DocumentID: "b.md", Text: "beta", Score: 0.4},
	}}
	executor, _ := newTestExecutor(t, docs)

	inv := invoke(executor, ToolSearchDocuments, map[string]interface{}{"query": "alpha"})
	require.True(t, inv.OK(), inv.Err)
	assert.Equal(t, DefaultTopK, docs.gotTopK)
	assert.Len(t, Passages(inv.Payload), 2)

	inv = invoke(executor, ToolSearchDocuments, map[string]interface{}{"query": "alpha", "top_k": 1})
	require.True(t, inv.OK(), inv.Err)
	assert.Equal(t, 1, docs.gotTopK)
	assert.Len(t, Passages(inv.Payload), 1, "source overrun is capped")

	inv = invoke(executor, ToolSearchDocuments, map[string]interface{}{"query": "alpha", "top_k": 2.5})
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrInvalidArgument, inv.Err.Kind)

	docs.err = errors.New("index unavailable")
	inv = invoke(executor, ToolSearchDocuments, map[string]interface{}{"query": "alpha"})
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrInternal, inv.Err.Kind)
}

func TestMissingSources(t *testing.T) {
	executor := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(executor, Options{}))

	inv := invoke(executor, ToolResolveMember, map[string]interface{}{"member_id": "MBR156655633"})
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrInternal, inv.Err.Kind)

	inv = invoke(executor, ToolSearchDocuments, map[string]interface{}{"query": "x"})
	require.False(t, inv.OK())
	assert.Equal(t, toolexecutor.ErrInternal, inv.Err.Kind)
}

func TestPassages_NonSearchPayload(t *testing.T) {
	assert.Nil(t, Passages(nil))
	assert.Nil(t, Passages(map[string]interface{}{"passages": "nope"}))
}
