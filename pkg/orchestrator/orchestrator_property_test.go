package orchestrator

import (
	"context"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/harun/careline/pkg/agent"
	"github.com/harun/careline/pkg/session"
)

var turnTexts = []string{
	"", "   ", "hi", "What was my copay?", "is physical therapy covered",
	"what is the referral policy", "MBR156655633", "schedule a follow-up", "thanks",
}

func TestTurnsAreAppendOnlyAndPlansMonotonic(t *testing.T) {
	reg, err := agent.NewDefaultRegistry(agent.ConversationalOptions{}, agent.RetrievalOptions{}, agent.TransactionalOptions{})
	if err != nil {
		t.Fatal(err)
	}
	o := New(nil, reg, WithClock(clock))

	rapid.Check(t, func(t *rapid.T) {
		st := session.NewState("P", t0)
		texts := rapid.SliceOfN(rapid.SampledFrom(turnTexts), 1, 12).Draw(t, "texts")

		seen := map[string]session.PlanStatus{}
		accepted := 0
		for _, text := range texts {
			before := append([]session.Turn(nil), st.Turns...)
			res, err := o.ProcessTurn(context.Background(), st, text)
			if err != nil {
				t.Fatalf("turn %q: %v", text, err)
			}
			if strings.TrimSpace(text) != "" {
				accepted++
			} else if res.Outcome != OutcomeClarify {
				t.Fatalf("empty turn routed: %s", res.Outcome)
			}

			if len(st.Turns) < len(before) {
				t.Fatalf("turns shrank from %d to %d", len(before), len(st.Turns))
			}
			for i := range before {
				if st.Turns[i] != before[i] {
					t.Fatalf("turn %d rewritten", i)
				}
			}
			if got := userTurns(*st); got != accepted {
				t.Fatalf("user turns = %d, want %d", got, accepted)
			}

			for _, p := range st.Plan {
				if prev, ok := seen[p.ID]; ok && prev != session.PlanPending && p.Status != prev {
					t.Fatalf("plan entry %s moved %s -> %s", p.ID, prev, p.Status)
				}
				seen[p.ID] = p.Status
			}
		}
	})
}

func TestDelegationCycleTerminates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(0, 8).Draw(t, "max")
		reg := agent.NewRegistry()
		for _, a := range cyclingAgents() {
			if err := reg.Register(a); err != nil {
				t.Fatal(err)
			}
		}
		start := rapid.SampledFrom(session.Targets).Draw(t, "start")
		o := New(fixedRouter(start), reg, WithClock(clock), WithConfig(Config{MaxDelegations: max}))

		res, err := o.ProcessTurn(context.Background(), session.NewState("P", t0), "hello")
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeFallback || res.Dispatches != max+1 {
			t.Fatalf("max=%d: outcome %s after %d dispatches", max, res.Outcome, res.Dispatches)
		}
	})
}
