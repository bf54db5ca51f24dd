// Package pool bounds the number of detector calls running in the process
// and pools short-lived objects on the request path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is one detector call or background write.
type Task func(ctx context.Context) error

// WorkerPoolConfig sizes a WorkerPool.
type WorkerPoolConfig struct {
	// Workers caps tasks running at the same time.
	Workers int
	// Backlog caps fire-and-forget tasks waiting for a worker.
	Backlog      int
	PanicHandler func(any)
}

// DefaultWorkerPoolConfig returns the process-wide detector pool defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{Workers: 64, Backlog: 1024}
}

// WorkerPool runs tasks under a weighted semaphore. Every task gets its own
// goroutine; only Workers of them hold a slot at any time.
type WorkerPool struct {
	slots    *semaphore.Weighted
	capacity int
	backlog  int64
	onPanic  func(any)

	// mu 保证 Close 之后不再有 wg.Add
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	pending   atomic.Int64 // Submit 接受但尚未结束的任务
	running   atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewWorkerPool creates a pool. Non-positive Workers falls back to the default.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerPoolConfig().Workers
	}
	if cfg.Backlog < 0 {
		cfg.Backlog = 0
	}
	return &WorkerPool{
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		capacity: cfg.Workers,
		backlog:  int64(cfg.Workers + cfg.Backlog),
		onPanic:  cfg.PanicHandler,
	}
}

// SubmitWait runs task on the pool and waits for its result. When ctx ends
// first the caller gets ctx.Err() and the task keeps its slot until it
// returns; tasks whose ctx ended while waiting for a slot never start.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	result := make(chan error, 1)
	if err := p.spawn(func() {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			p.rejected.Add(1)
			result <- err
			return
		}
		defer p.slots.Release(1)
		result <- p.run(ctx, task)
	}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit schedules task without waiting. It fails fast with ErrPoolFull once
// Workers+Backlog tasks are outstanding.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.pending.Add(1) > p.backlog {
		p.pending.Add(-1)
		p.rejected.Add(1)
		return ErrPoolFull
	}
	err := p.spawn(func() {
		defer p.pending.Add(-1)
		if err := p.slots.Acquire(ctx, 1); err != nil {
			p.rejected.Add(1)
			return
		}
		defer p.slots.Release(1)
		_ = p.run(ctx, task)
	})
	if err != nil {
		p.pending.Add(-1)
	}
	return err
}

func (p *WorkerPool) spawn(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return nil
}

func (p *WorkerPool) run(ctx context.Context, task Task) (err error) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		if r := recover(); r != nil {
			if p.onPanic != nil {
				p.onPanic(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	return task(ctx)
}

// Close rejects new tasks and waits for accepted ones to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	running := p.running.Load()
	waiting := p.pending.Load() - running
	if waiting < 0 {
		waiting = 0
	}
	return WorkerPoolStats{
		Capacity:  p.capacity,
		Running:   int(running),
		Waiting:   int(waiting),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// WorkerPoolStats 协程池统计
type WorkerPoolStats struct {
	Capacity  int   `json:"capacity"`
	Running   int   `json:"running"`
	Waiting   int   `json:"waiting"` // 仅统计 Submit 的等待任务
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
