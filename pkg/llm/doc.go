// Package llm wraps language-model providers behind a single Completer.
//
// Invariants:
// - Every failure is an *Error of kind TIMEOUT or INTERNAL.
// - Failover tries profiles by ascending priority and skips profiles in
//   cooldown; a failed profile cools down for longer after each failure.
// - CompleteJSON only returns payloads that validate against the schema.
//
// Usage:
//
//	c, _ := llm.NewFailover(profiles, llm.WithCallTimeout(15*time.Second))
//	resp, err := c.Complete(ctx, llm.Request{System: "...", Messages: msgs})
package llm
