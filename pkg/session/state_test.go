package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		label   string
		want    Target
		wantErr bool
	}{
		{"TRANSACTIONAL", TargetTransactional, false},
		{" retrieval ", TargetRetrieval, false},
		{"Conversational", TargetConversational, false},
		{"billing", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := ParseTarget(tt.label)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppendTurnAndHistory(t *testing.T) {
	st := NewState("S1", t0)
	for i, text := range []string{"hi", "hello", "copay?", "$30", "thanks"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		st.AppendTurn(role, text, t0.Add(time.Duration(i)*time.Second))
	}

	assert.Len(t, st.Turns, 5)
	hist := st.History(2)
	require.Len(t, hist, 2)
	assert.Equal(t, "$30", hist[0].Text)
	assert.Equal(t, "thanks", hist[1].Text)
	assert.Len(t, st.History(0), 5)

	hist[0].Text = "mutated"
	assert.Equal(t, "$30", st.Turns[3].Text)
	assert.Equal(t, t0.Add(4*time.Second), st.UpdatedAt)
}

func TestApplyDelta(t *testing.T) {
	t.Run("last writer wins within a delta", func(t *testing.T) {
		st := NewState("S1", t0)
		d := Delta{Source: "transactional"}
		d.Set("deductible", "250")
		d.Set("deductible", "500")

		changed := st.ApplyDelta(d, t0)
		assert.Equal(t, []string{"deductible"}, changed)
		assert.Equal(t, "500", st.FactString("deductible"))
		f, _ := st.Fact("deductible")
		assert.Equal(t, "transactional", f.Source)
	})

	t.Run("empty values never overwrite", func(t *testing.T) {
		st := NewState("S1", t0)
		first := Delta{}
		first.Set("member_id", "MBR156655633")
		st.ApplyDelta(first, t0)

		second := Delta{}
		second.Set("member_id", "")
		second.Set("member_id", nil)
		second.Set("member_id", "   ")
		second.Set("citations", []string{})
		changed := st.ApplyDelta(second, t0.Add(time.Minute))

		assert.Empty(t, changed)
		assert.Equal(t, "MBR156655633", st.FactString("member_id"))
		_, ok := st.Fact("citations")
		assert.False(t, ok)
		assert.Equal(t, t0, st.UpdatedAt)
	})

	t.Run("empty after non-empty keeps the non-empty value", func(t *testing.T) {
		st := NewState("S1", t0)
		d := Delta{}
		d.Set("plan_id", "EPO_CORE")
		d.Set("plan_id", "")
		st.ApplyDelta(d, t0)
		assert.Equal(t, "EPO_CORE", st.FactString("plan_id"))
	})

	t.Run("newer non-empty value overwrites", func(t *testing.T) {
		st := NewState("S1", t0)
		d1 := Delta{}
		d1.Set("visit_date", "2025-11-10")
		st.ApplyDelta(d1, t0)
		d2 := Delta{}
		d2.Set("visit_date", "2025-12-01")
		st.ApplyDelta(d2, t0.Add(time.Hour))
		assert.Equal(t, "2025-12-01", st.FactString("visit_date"))
	})
}

func TestFactStrings(t *testing.T) {
	st := NewState("S1", t0)
	d := Delta{}
	d.Set("citations", []string{"plan.md#0", "faq.md#2"})
	d.Set("decoded", []interface{}{"a", "b"})
	st.ApplyDelta(d, t0)

	assert.Equal(t, []string{"plan.md#0", "faq.md#2"}, st.FactStrings("citations"))
	assert.Equal(t, []string{"a", "b"}, st.FactStrings("decoded"))
	assert.Nil(t, st.FactStrings("missing"))

	st.ClearFact("citations", t0.Add(time.Second))
	assert.Nil(t, st.FactStrings("citations"))
}

func TestPlanTransitions(t *testing.T) {
	st := NewState("S1", t0)
	entry := st.AddPlanEntry(TargetTransactional, "billing lookup", t0)
	assert.Equal(t, PlanPending, entry.Status)
	assert.NotEmpty(t, entry.ID)

	pending, ok := st.PendingEntry()
	require.True(t, ok)
	assert.Equal(t, entry.ID, pending.ID)

	require.NoError(t, st.TransitionPlan(entry.ID, PlanDone, "answered", t0.Add(time.Second)))
	_, ok = st.PendingEntry()
	assert.False(t, ok)

	tests := []PlanStatus{PlanPending, PlanFailed, PlanDone}
	for _, to := range tests {
		t.Run("done to "+string(to), func(t *testing.T) {
			err := st.TransitionPlan(entry.ID, to, "", t0.Add(time.Minute))
			var invalid ErrInvalidTransition
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, PlanDone, invalid.From)
			assert.Equal(t, to, invalid.To)
		})
	}
	assert.Equal(t, "answered", st.Plan[0].Resolution)

	err := st.TransitionPlan("nope", PlanDone, "", t0)
	assert.ErrorIs(t, err, ErrPlanEntryNotFound)
}

func TestPendingEntry_OldestFirst(t *testing.T) {
	st := NewState("S1", t0)
	a := st.AddPlanEntry(TargetRetrieval, "a", t0)
	b := st.AddPlanEntry(TargetTransactional, "b", t0)

	p, _ := st.PendingEntry()
	assert.Equal(t, a.ID, p.ID)

	require.NoError(t, st.TransitionPlan(a.ID, PlanFailed, "superseded", t0))
	p, _ = st.PendingEntry()
	assert.Equal(t, b.ID, p.ID)
}

func TestSnapshot_IsDeep(t *testing.T) {
	st := NewState("S1", t0)
	st.AppendTurn(RoleUser, "hi", t0)
	d := Delta{}
	d.Set("citations", []string{"doc#1"})
	d.Set("billing", map[string]interface{}{"copay": 30})
	st.ApplyDelta(d, t0)
	st.AddPlanEntry(TargetRetrieval, "", t0)

	snap := st.Snapshot()
	snap.Turns[0].Text = "changed"
	snap.Plan[0].Status = PlanDone
	snap.Facts["citations"].Value.([]string)[0] = "other"
	snap.Facts["billing"].Value.(map[string]interface{})["copay"] = 99

	assert.Equal(t, "hi", st.Turns[0].Text)
	assert.Equal(t, PlanPending, st.Plan[0].Status)
	assert.Equal(t, []string{"doc#1"}, st.FactStrings("citations"))
	assert.Equal(t, 30, st.Facts["billing"].Value.(map[string]interface{})["copay"])
}

func TestValidate(t *testing.T) {
	st := NewState("S1", t0)
	st.AddPlanEntry(TargetRetrieval, "", t0)
	require.NoError(t, st.Validate())

	bad := st.Snapshot()
	bad.Plan[0].Status = "paused"
	assert.Error(t, bad.Validate())

	bad = st.Snapshot()
	bad.Plan = append(bad.Plan, bad.Plan[0])
	assert.Error(t, bad.Validate())

	bad = st.Snapshot()
	bad.Turns = append(bad.Turns, Turn{Role: "system", Text: "x"})
	assert.Error(t, bad.Validate())

	assert.Error(t, (&State{}).Validate())
}
