package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "test:",
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "answer", "NO", time.Minute))

	value, err := manager.Get(ctx, "answer")
	require.NoError(t, err)
	assert.Equal(t, "NO", value)

	// 键带前缀
	raw, err := mr.Get("test:answer")
	require.NoError(t, err)
	assert.Equal(t, "NO", raw)
}

func TestManager_Miss(t *testing.T) {
	_, manager := setupTestRedis(t)

	value, err := manager.Get(context.Background(), "absent")
	assert.True(t, IsCacheMiss(err))
	assert.Empty(t, value)
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(2 * time.Minute)
	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, manager.Delete(ctx, "k"))

	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Stats(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))
	_, _ = manager.Get(ctx, "k")
	_, _ = manager.Get(ctx, "k")
	_, _ = manager.Get(ctx, "missing")

	stats := manager.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestManager_ClosedRejectsCalls(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
}

func TestManager_ConnectFailure(t *testing.T) {
	manager, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("concurrent-%d", id)
			assert.NoError(t, manager.Set(ctx, key, "value", time.Minute))
			value, err := manager.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, "value", value)
		}(i)
	}
	wg.Wait()
}

func TestManager_ObserverSeesEveryGet(t *testing.T) {
	mr := miniredis.RunT(t)
	var hits, misses int
	manager, err := NewManager(Config{
		Addr: mr.Addr(),
		Observer: func(hit bool) {
			if hit {
				hits++
			} else {
				misses++
			}
		},
	}, nil)
	require.NoError(t, err)
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))
	_, _ = manager.Get(ctx, "k")
	_, _ = manager.Get(ctx, "nope")

	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
	assert.GreaterOrEqual(t, manager.Stats().TotalConns, uint32(1))
}
