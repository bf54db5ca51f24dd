package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/tlsutil"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("cache manager is closed")

// Config 缓存配置
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool

	// KeyPrefix is prepended to every key.
	KeyPrefix string
	// DefaultTTL applies when Set is called with ttl == 0.
	DefaultTTL time.Duration

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration

	// Observer, if set, sees the outcome of every Get.
	Observer func(hit bool)
}

// DefaultConfig 评审结果缓存的默认值
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "guardflow:",
		DefaultTTL:   time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
	}
}

// Manager is a namespaced string cache on redis. Self-reflection detectors
// keep judge answers here; it satisfies guardrails.JudgeCache.
type Manager struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	observer func(bool)
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewManager connects and pings once; an unreachable server is an error.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:         config.Addr,
		Username:     config.Username,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
	}
	if config.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger = logger.With(zap.String("component", "cache"))
	logger.Info("judge cache connected",
		zap.String("addr", config.Addr),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Bool("tls", config.TLS),
		zap.Duration("default_ttl", config.DefaultTTL))

	return &Manager{
		client:   client,
		prefix:   config.KeyPrefix,
		ttl:      config.DefaultTTL,
		observer: config.Observer,
		logger:   logger,
	}, nil
}

// guard runs fn unless the manager is closed.
func (m *Manager) guard(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn()
}

func (m *Manager) observe(hit bool) {
	if hit {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	if m.observer != nil {
		m.observer(hit)
	}
}

// Get returns ErrCacheMiss when key is absent. Redis errors count as misses.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := m.guard(func() error {
		v, err := m.client.Get(ctx, m.prefix+key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			m.observe(false)
			return ErrCacheMiss
		case err != nil:
			m.observe(false)
			m.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("cache get failed: %w", err)
		}
		m.observe(true)
		val = v
		return nil
	})
	return val, err
}

// Set stores value; ttl == 0 uses DefaultTTL.
func (m *Manager) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.ttl
	}
	return m.guard(func() error {
		if err := m.client.Set(ctx, m.prefix+key, value, ttl).Err(); err != nil {
			m.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("cache set failed: %w", err)
		}
		return nil
	})
}

// Delete removes keys; missing keys are not an error.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.prefix + k
	}
	return m.guard(func() error {
		if err := m.client.Del(ctx, full...).Err(); err != nil {
			return fmt.Errorf("cache delete failed: %w", err)
		}
		return nil
	})
}

// Ping backs the redis readiness check.
func (m *Manager) Ping(ctx context.Context) error {
	return m.guard(func() error { return m.client.Ping(ctx).Err() })
}

// Close releases the connection pool. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	st := m.Stats()
	m.logger.Info("closing judge cache",
		zap.Uint64("hits", st.Hits),
		zap.Uint64("misses", st.Misses),
		zap.Uint32("pool_timeouts", st.PoolTimeouts))
	return m.client.Close()
}

// Stats 本进程视角的命中统计与连接池状态
type Stats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalConns   uint32  `json:"total_conns"`
	IdleConns    uint32  `json:"idle_conns"`
	PoolTimeouts uint32  `json:"pool_timeouts"`
}

// Stats returns counters since start.
func (m *Manager) Stats() Stats {
	ps := m.client.PoolStats()
	s := Stats{
		Hits:         m.hits.Load(),
		Misses:       m.misses.Load(),
		TotalConns:   ps.TotalConns,
		IdleConns:    ps.IdleConns,
		PoolTimeouts: ps.Timeouts,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
