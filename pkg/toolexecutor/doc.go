// Package toolexecutor registers tool adapters and invokes them under a
// uniform contract: schema-checked arguments, an explicit timeout, and a
// typed failure kind on every error path.
//
// Invariants:
// - Tool names are unique.
// - Arguments are schema-validated before the handler runs.
// - Every call yields exactly one Invocation record, success or failure.
// - A handler that outlives its timeout keeps running, but its result is discarded.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "fetch_billing_info",
//		Description: "Billing summary for a member visit",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "member_id", Type: "string", Description: "member", Required: true}},
//		Handler:     handler,
//	})
//	inv := exec.Invoke(ctx, "fetch_billing_info", map[string]interface{}{"member_id": "MBR1"}, nil)
//	if inv.Err != nil && inv.Err.Kind.Transient() { /* retry */ }
package toolexecutor
