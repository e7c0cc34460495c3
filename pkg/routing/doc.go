// Package routing classifies a turn into the agent target that should
// handle it.
//
// Invariants:
// - Route never fails: classifier errors and unparseable labels degrade to
//   the conversational target with confidence 0.
// - An open plan entry bypasses classification unless the text signals a
//   topic change toward a different specialized target.
// - Classification reads only the history window, the text and the pending
//   plan entry; the only I/O is the optional language-model call.
//
// Usage:
//
//	r := routing.NewRouter(routing.NewKeywordClassifier(nil))
//	d := r.Route(ctx, routing.InputFromState(st, "What is my deductible?", 6))
package routing
