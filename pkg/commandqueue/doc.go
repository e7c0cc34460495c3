// Package commandqueue serializes tasks per lane.
//
// Invariants:
// - Tasks in the same lane run one at a time in FIFO order.
// - Tasks in different lanes may run concurrently.
// - A lane with no queued or running task holds no memory.
// - A task enqueued with a RequestID already seen in that lane within the
//   dedup TTL is not run again; the first result is returned.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
