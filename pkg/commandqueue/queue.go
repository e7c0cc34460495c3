package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/careline/internal/observability"
	"github.com/harun/careline/internal/tracing"
)

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("command queue closed")

// Task is the unit of work run inside a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions configures one Enqueue call.
type TaskOptions struct {
	// RequestID makes the call idempotent within its lane.
	RequestID string
	// WarnAfter logs a warning when the task is still queued after this long.
	WarnAfter time.Duration
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithDedupTTL sets how long request ids are remembered.
func WithDedupTTL(ttl time.Duration) Option {
	return func(cq *CommandQueue) {
		cq.dedupTTL = ttl
	}
}

// CommandQueue runs tasks serialized per lane.
type CommandQueue struct {
	lanes    map[string]*laneState
	seq      uint64
	closed   bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	dedupTTL time.Duration
	dedup    *dedupCache
}

// New creates a CommandQueue.
func New(opts ...Option) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(cq)
	}
	cq.dedup = newDedupCache(ctx, cq.dedupTTL)
	return cq
}

// Enqueue adds task to lane and waits for its result. If ctx ends while the
// task is still queued, the task is dropped and ctx.Err() returned; once
// started, the task runs to completion and its result is returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "careline.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	if opts.RequestID != "" {
		if cached, ok := cq.dedup.Get(dedupKey(lane, opts.RequestID)); ok {
			logger.Debug().Str("lane", lane).Str("request_id", opts.RequestID).Msg("Returning deduplicated result")
			return cached.value, cached.err
		}
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("task_id", record.id).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.warnIfWaiting(lane, record)
	}
	cq.dispatch(lane)

	select {
	case res := <-record.result:
		if res.err != nil {
			tracing.RecordSpanError(span, res.err)
		}
		return res.value, res.err
	case <-ctx.Done():
		if cq.removeQueued(lane, record) {
			logger.Debug().Str("lane", lane).Str("task_id", record.id).Msg("Task abandoned while queued")
			return nil, ctx.Err()
		}
		res := <-record.result
		return res.value, res.err
	}
}

// dispatch starts the head of lane if nothing is running there.
func (cq *CommandQueue) dispatch(lane string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok || ls.running {
		return
	}
	if len(ls.queue) == 0 {
		delete(cq.lanes, lane)
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	cq.wg.Add(1)
	go cq.execute(lane, record)
}

func (cq *CommandQueue) execute(lane string, record *taskRecord) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(
		record.ctx,
		"careline.commandqueue",
		"commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Str("task_id", record.id).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	var res taskResult
	key := dedupKey(lane, record.options.RequestID)
	if cached, ok := cq.dedup.Get(key); ok && record.options.RequestID != "" {
		res = cached
	} else {
		res.value, res.err = record.task(runCtx)
		if record.options.RequestID != "" {
			cq.dedup.Set(key, res)
		}
	}
	duration := time.Since(start)
	stop()
	cancel()

	cq.mu.Lock()
	ls := cq.lanes[lane]
	ls.running = false
	queueSize := len(ls.queue)
	cq.mu.Unlock()

	record.result <- res

	if res.err != nil {
		tracing.RecordSpanError(span, res.err)
		logger.Error().Err(res.err).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", duration).Msg("Task completed")
	}
	span.End()
	observability.RecordQueueCompletion(lane, duration, res.err == nil, queueSize)

	cq.dispatch(lane)
}

func (cq *CommandQueue) removeQueued(lane string, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			if len(ls.queue) == 0 && !ls.running {
				delete(cq.lanes, lane)
			}
			return true
		}
	}
	return false
}

func (cq *CommandQueue) warnIfWaiting(lane string, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		if pos := cq.position(lane, record); pos >= 0 {
			log.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Dur("waited", time.Since(record.enqueuedAt)).
				Int("queue_pos", pos).
				Msg("Task waiting longer than expected")
		}
	case <-cq.ctx.Done():
	}
}

func (cq *CommandQueue) position(lane string, record *taskRecord) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				return i
			}
		}
	}
	return -1
}

// QueueSize returns the number of tasks waiting in lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Stats returns every live lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	out := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		out[name] = LaneStats{Queued: len(ls.queue), Running: ls.running}
	}
	return out
}

// Lanes returns the names of live lanes, sorted.
func (cq *CommandQueue) Lanes() []string {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	out := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WaitForActive waits until no lane has work or timeout passes.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		cq.mu.Lock()
		idle := len(cq.lanes) == 0
		cq.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones and waits for them.
// Queued tasks that never started receive ErrClosed.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	for _, ls := range cq.lanes {
		for _, r := range ls.queue {
			r.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}

func dedupKey(lane, requestID string) string {
	return lane + "\x00" + requestID
}
