package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	result, err := cq.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.Empty(t, cq.Lanes())
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expected := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
		return nil, expected
	}, nil)

	assert.ErrorIs(t, err, expected)
	assert.Nil(t, result)
}

func TestCommandQueue_SerializesWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	var running, maxRunning int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup


	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "session:serial", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 5)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	var order []int
	var mu sync.Mutex

	go func() {
		_, _ = cq.Enqueue(context.Background(), "session:fifo", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-gate
			return nil, nil
		}, nil)
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "session:fifo", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}(i)
		require.Eventually(t, func() bool { return cq.QueueSize("session:fifo") == i+1 }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_LanesRunConcurrently(t *testing.T) {
	cq := New()
	defer cq.Close()

	gate := make(chan struct{})
	var wg sync.WaitGroup
	var started int32

	for _, lane := range []string{"session:a", "session:b"} {
		wg.Add(1)
		go func(lane string) {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&started, 1)
				<-gate
				return nil, nil
			}, nil)
		}(lane)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 2 }, time.Second, time.Millisecond)
	stats := cq.Stats()
	assert.True(t, stats["session:a"].Running)
	assert.True(t, stats["session:b"].Running)

	close(gate)
	wg.Wait()
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_AbandonQueuedTask(t *testing.T) {
	cq := New()
	defer cq.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "session:x", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-gate
			return nil, nil
		}, nil)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	_, err := cq.Enqueue(ctx, "session:x", func(ctx context.Context) (interface{}, error) {
		ran = true
		return nil, nil
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, cq.QueueSize("session:x"))
	close(gate)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.False(t, ran)
}

func TestCommandQueue_RequestIDDeduplicates(t *testing.T) {
	cq := New(WithDedupTTL(time.Minute))
	defer cq.Close()

	var calls int32
	task := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	opts := &TaskOptions{RequestID: "req-1"}
	first, err := cq.Enqueue(context.Background(), "session:a", task, opts)
	require.NoError(t, err)
	second, err := cq.Enqueue(context.Background(), "session:a", task, opts)
	require.NoError(t, err)
	other, err := cq.Enqueue(context.Background(), "session:b", task, opts)
	require.NoError(t, err)

	assert.Equal(t, int32(1), first)
	assert.Equal(t, int32(1), second)
	assert.Equal(t, int32(2), other)
}

func TestCommandQueue_ClosedRejects(t *testing.T) {
	cq := New()
	require.NoError(t, cq.Close())

	_, err := cq.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
