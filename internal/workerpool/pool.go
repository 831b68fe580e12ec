package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
	// OnDone, when set, receives the outcome after Fn returns
	OnDone func(Result)
}

// Result is the outcome of one task
type Result struct {
	ID       string
	Err      error
	Duration time.Duration
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name           string
	maxWorkers     int
	taskQueue      chan Task
	queueSize      int
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a new worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Debug("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// drain what was accepted before Stop
			for {
				select {
				case task := <-p.taskQueue:
					p.executeTask(id, task)
				default:
					return
				}
			}

		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}

	if task.OnDone != nil {
		task.OnDone(Result{ID: task.ID, Err: err, Duration: duration})
	}
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}

	return task.Fn(task.Context)
}

// SubmitWithContext blocks until the task is accepted or ctx is canceled
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	// a stopped pool or a done ctx must win over a free queue slot
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}
	if err := ctx.Err(); err != nil {
		atomic.AddUint64(&p.rejectedTasks, 1)
		return err
	}

	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ctx.Err()
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	}
}

// Stop stops accepting tasks and waits for queued ones to finish
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns the task counters of the pool
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats counts the tasks a pool accepted, finished and turned away.
// Accepted tasks are TotalTasks; each of them ends up either completed or
// failed once the pool is stopped.
type Stats struct {
	Name           string
	MaxWorkers     int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// Run executes tasks on a pool of at most maxWorkers goroutines and waits for
// all of them. Results are returned in task order along with the pool's
// counters. A task that could not be submitted because ctx was canceled
// reports ctx.Err() and counts as rejected.
func Run(ctx context.Context, name string, maxWorkers int, logger *zap.Logger, tasks []Task) ([]Result, Stats) {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results, Stats{Name: name}
	}
	if maxWorkers <= 0 || maxWorkers > len(tasks) {
		maxWorkers = len(tasks)
	}

	pool := NewWorkerPool(&Config{
		Name:       name,
		MaxWorkers: maxWorkers,
		QueueSize:  len(tasks),
		Logger:     logger,
	})

	var wg sync.WaitGroup
	for i := range tasks {
		i := i
		task := tasks[i]
		if task.Context == nil {
			task.Context = ctx
		}
		task.OnDone = func(r Result) {
			results[i] = r
			wg.Done()
		}

		wg.Add(1)
		if err := pool.SubmitWithContext(ctx, task); err != nil {
			results[i] = Result{ID: task.ID, Err: err}
			wg.Done()
		}
	}

	wg.Wait()
	// every accepted task has finished; Stop only joins idle workers
	_ = pool.Stop(time.Second)
	return results, pool.Stats()
}
