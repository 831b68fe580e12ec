package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRun_ReturnsResultsInOrder(t *testing.T) {
	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = Task{
			ID: fmt.Sprintf("task-%d", i),
			Fn: func(context.Context) error {
				if i%3 == 0 {
					return fmt.Errorf("failed %d", i)
				}
				return nil
			},
		}
	}

	results, stats := Run(context.Background(), "test", 3, zap.NewNop(), tasks)
	require.Len(t, results, 10)
	assert.Equal(t, "test", stats.Name)
	assert.Equal(t, uint64(10), stats.TotalTasks)
	assert.Equal(t, uint64(6), stats.CompletedTasks)
	assert.Equal(t, uint64(4), stats.FailedTasks)
	assert.Zero(t, stats.RejectedTasks)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("task-%d", i), r.ID)
		if i%3 == 0 {
			assert.EqualError(t, r.Err, fmt.Sprintf("failed %d", i))
		} else {
			assert.NoError(t, r.Err)
		}
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var active, peak int32
	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = Task{
			ID: fmt.Sprintf("%d", i),
			Fn: func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			},
		}
	}

	Run(context.Background(), "bounded", 2, nil, tasks)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(0), atomic.LoadInt32(&active))
}

func TestRun_RecoversPanics(t *testing.T) {
	results, stats := Run(context.Background(), "panic", 1, zap.NewNop(), []Task{
		{ID: "boom", Fn: func(context.Context) error { panic("boom") }},
		{ID: "ok", Fn: func(context.Context) error { return nil }},
	})
	require.Len(t, results, 2)
	assert.ErrorContains(t, results[0].Err, "task panicked")
	assert.NoError(t, results[1].Err)
	assert.Equal(t, uint64(1), stats.FailedTasks)
}

func TestRun_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	results, _ := Run(ctx, "ctx", 1, nil, []Task{{
		ID: "ctx",
		Fn: func(c context.Context) error {
			if c.Value(key{}) != "v" {
				return errors.New("context not propagated")
			}
			return nil
		},
	}})
	assert.NoError(t, results[0].Err)
}

func TestRun_Empty(t *testing.T) {
	results, stats := Run(context.Background(), "empty", 4, nil, nil)
	assert.Empty(t, results)
	assert.Zero(t, stats.TotalTasks)
}

func TestRun_CanceledContextRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	tasks := make([]Task, 3)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprintf("%d", i), Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}
	}

	results, stats := Run(ctx, "canceled", 1, nil, tasks)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Equal(t, uint64(3), stats.RejectedTasks)
	assert.Zero(t, stats.TotalTasks)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "stopped", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))

	err := pool.SubmitWithContext(context.Background(), Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)
	assert.Zero(t, pool.Stats().TotalTasks)
}
