// Package orchestrator runs the per-turn state machine: route the turn,
// dispatch agents in sequence, apply their deltas to the session and
// decide when the turn ends.
//
// Invariants:
// - Dispatches within a turn are strictly sequential.
// - Empty input is answered with a clarifying response and never routed.
// - A turn makes at most MaxDelegations+1 dispatches across delegations.
// - Tool invocation records are kept for every dispatch, including failed ones.
// - A deadline is checked at step boundaries; results that arrive after it are discarded.
// - Plan status violations reset the session and surface a generic apology.
//
// Usage:
//
//	orch := orchestrator.New(router, registry, orchestrator.WithConfig(cfg))
//	svc := orchestrator.NewService(orch, session.NewMemoryStore(), commandqueue.New())
//	res, err := svc.ProcessTurn(ctx, "S1", "What is my deductible?")
package orchestrator
