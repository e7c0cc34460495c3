// Package session holds the per-conversation state carried through every turn
// and the stores that persist it between turns.
//
// Invariants:
// - The turn sequence is append-only.
// - Plan entries move pending -> done or pending -> failed, never backward.
// - A fact is only overwritten by a newer non-empty value.
// - Session keys are validated and path-safe before touching the filesystem.
//
// Usage:
//
//	st := session.NewState("S1", time.Now())
//	st.AppendTurn(session.RoleUser, "What is my deductible?", time.Now())
//	d := session.Delta{}
//	d.Set("deductible", "500")
//	st.ApplyDelta(d, time.Now())
//	store, _ := session.NewFileStore("/tmp/careline/sessions")
//	_ = store.Save(ctx, st)
package session
