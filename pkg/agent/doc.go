// Package agent implements the specialized agents a turn is dispatched to.
//
// Invariants:
// - Agents never mutate session state; they read a snapshot and propose a
//   delta in their Result.
// - Every tool call goes through the Tools interface and is returned in
//   Result.Invocations, failed calls included.
// - Transient tool failures yield RETRY only while Request.Attempt is below
//   the agent's retry budget; afterwards the agent answers with DONE.
//
// Usage:
//
//	reg := agent.NewRegistry()
//	_ = reg.Register(agent.NewConversational(agent.Options{}))
//	a, _ := reg.Get(session.TargetConversational)
//	res, _ := a.Handle(ctx, agent.Request{State: st.Snapshot(), Input: "hi"})
package agent
