package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/guardflow/internal/resilience"
)

// ErrPoolClosed is returned after Close.
var ErrPoolClosed = errors.New("database pool is closed")

// StatsRecorder receives connection gauges. *metrics.Collector satisfies it.
type StatsRecorder interface {
	RecordDBConnections(database string, open, idle int)
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// 连接数指标上报与探活间隔，0 表示关闭
	StatsInterval time.Duration

	// WithTransactionRetry 使用的重试策略，Retryable 为空时按 IsTransient 判断
	Retry resilience.RetryPolicy
}

// DefaultPoolConfig 审计写入量小，连接数保持较低
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    5,
		MaxOpenConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		StatsInterval:   30 * time.Second,
		Retry: resilience.RetryPolicy{
			MaxRetries:   2,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
	}
}

// PoolManager owns the audit database handle.
type PoolManager struct {
	name     string
	db       *gorm.DB
	sqlDB    *sql.DB
	retry    resilience.RetryPolicy
	recorder StatsRecorder
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewPoolManager applies config to db's pool. recorder may be nil.
func NewPoolManager(name string, db *gorm.DB, config PoolConfig, recorder StatsRecorder, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if config.Retry.Retryable == nil {
		config.Retry.Retryable = IsTransient
	}
	pm := &PoolManager{
		name:     name,
		db:       db,
		sqlDB:    sqlDB,
		retry:    config.Retry,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "db_pool"), zap.String("database", name)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if config.StatsInterval > 0 {
		go pm.report(config.StatsInterval)
	} else {
		close(pm.done)
	}

	pm.logger.Info("database pool initialized",
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_retries", config.Retry.MaxRetries))
	return pm, nil
}

// DB returns the gorm handle.
func (pm *PoolManager) DB() *gorm.DB { return pm.db }

// Name labels metrics for this database.
func (pm *PoolManager) Name() string { return pm.name }

// Stats returns the driver pool counters.
func (pm *PoolManager) Stats() sql.DBStats { return pm.sqlDB.Stats() }

// Ping checks connectivity; used by the readiness probe.
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Close stops the reporter and closes the pool. Idempotent.
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.stop)
	pm.mu.Unlock()

	<-pm.done
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

func (pm *PoolManager) report(every time.Duration) {
	defer close(pm.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := pm.Ping(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, ErrPoolClosed) {
				pm.logger.Warn("audit database unreachable", zap.Error(err))
			}
			continue
		}

		st := pm.Stats()
		if pm.recorder != nil {
			pm.recorder.RecordDBConnections(pm.name, st.OpenConnections, st.Idle)
		}
		pm.logger.Debug("database pool stats",
			zap.Int("open", st.OpenConnections),
			zap.Int("in_use", st.InUse),
			zap.Int("idle", st.Idle),
			zap.Int64("wait_count", st.WaitCount))
	}
}

// TransactionFunc runs inside a transaction.
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction runs fn in one transaction.
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry reruns the whole transaction on transient failures
// according to the pool's retry policy.
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, fn TransactionFunc) error {
	_, err := resilience.Retry(ctx, pm.retry, pm.logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, pm.WithTransaction(ctx, fn)
	})
	return err
}

var transientMarkers = []string{
	"deadlock",
	"serialization failure", "40001", // PostgreSQL SQLSTATE
	"connection reset", "connection refused", "broken pipe",
	"lock timeout", "lock wait timeout",
	"database is locked", // sqlite
	"bad connection",
}

// IsTransient reports whether a failed transaction may succeed if rerun.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPoolClosed) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
