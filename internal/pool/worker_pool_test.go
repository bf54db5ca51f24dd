package pool

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

func TestWorkerPool_SubmitWaitReturnsTaskError(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 2, Backlog: 4})
	defer p.Close()

	boom := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	const workers = 3
	p := NewWorkerPool(WorkerPoolConfig{Workers: workers, Backlog: 100})
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.SubmitWait(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Equal(t, int64(20), p.Stats().Completed)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	var recovered atomic.Value
	p := NewWorkerPool(WorkerPoolConfig{
		Workers:      1,
		PanicHandler: func(r any) { recovered.Store(r) },
	})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, "kaboom", recovered.Load())

	// worker 仍然可用
	assert.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestWorkerPool_SubmitWaitHonoursContext(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.SubmitWait(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPool_SkipsTasksCancelledWhileQueued(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, Backlog: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err := p.SubmitWait(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestWorkerPool_Closed(t *testing.T) {
	p := NewWorkerPool(DefaultWorkerPoolConfig())
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolClosed)
}

func TestWorkerPool_Submit(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, Backlog: 1})
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestWorkerPool_SubmitRejectsWhenBacklogFull(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, Backlog: 1})
	release := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	require.NoError(t, p.Submit(context.Background(), block))
	require.NoError(t, p.Submit(context.Background(), block))
	assert.ErrorIs(t, p.Submit(context.Background(), block), ErrPoolFull)

	close(release)
	p.Close()

	stats := p.Stats()
	assert.Equal(t, 1, stats.Capacity)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Zero(t, stats.Running)
	assert.Zero(t, stats.Waiting)
}

func TestWorkerPool_CloseWaitsForAcceptedTasks(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 2, Backlog: 8})

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	p.Close()
	assert.Equal(t, int32(5), done.Load())
}
