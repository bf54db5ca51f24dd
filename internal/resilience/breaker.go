package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int `yaml:"threshold" json:"threshold"`
	// ResetTimeout 熔断恢复等待时间（Open -> HalfOpen）
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	// HalfOpenMaxCalls 半开状态下允许的最大请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// DefaultBreakerConfig returns the defaults used for detector backends.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Breaker guards one backend (a detector server, the judge model, the
// generation endpoint). Client errors never count as failures.
type Breaker struct {
	name          string
	cfg           BreakerConfig
	logger        *zap.Logger
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// NewBreaker creates a closed breaker for the named backend.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
}

// OnStateChange registers a hook invoked synchronously under no lock.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Name returns the guarded backend name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动恢复
func (b *Breaker) Reset() {
	b.transition(func() (State, State) {
		from := b.state
		b.state = StateClosed
		b.failureCount = 0
		b.halfOpenCallCount = 0
		return from, StateClosed
	})
}

// Call runs fn if the breaker admits it and records the outcome.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	// 调用方取消不计入后端失败
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		b.release()
		return zero, err
	}
	b.record(err == nil || isClientError(err))
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (b *Breaker) allow() error {
	var from, to State
	changed := false

	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) <= b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		from, to, changed = StateOpen, StateHalfOpen, true
		b.state = StateHalfOpen
		b.halfOpenCallCount = 1
	case StateHalfOpen:
		if b.halfOpenCallCount >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
	}
	hook := b.onStateChange
	b.mu.Unlock()

	if changed {
		b.logger.Info("circuit breaker half-open")
		if hook != nil {
			hook(b.name, from, to)
		}
	}
	return nil
}

// release gives back a half-open slot without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenCallCount > 0 {
		b.halfOpenCallCount--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(success bool) {
	b.transition(func() (State, State) {
		from := b.state
		if success {
			b.failureCount = 0
			if b.state == StateHalfOpen {
				b.state = StateClosed
				b.halfOpenCallCount = 0
			}
			return from, b.state
		}

		b.failureCount++
		b.lastFailureTime = b.now()
		switch b.state {
		case StateClosed:
			if b.failureCount >= b.cfg.Threshold {
				b.state = StateOpen
			}
		case StateHalfOpen:
			b.state = StateOpen
			b.halfOpenCallCount = 0
		}
		return from, b.state
	})
}

func (b *Breaker) transition(fn func() (State, State)) {
	b.mu.Lock()
	from, to := fn()
	failures := b.failureCount
	hook := b.onStateChange
	b.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		b.logger.Warn("circuit breaker opened", zap.Int("failure_count", failures), zap.Int("threshold", b.cfg.Threshold))
	case StateClosed:
		b.logger.Info("circuit breaker closed", zap.String("from_state", from.String()))
	}
	if hook != nil {
		hook(b.name, from, to)
	}
}

// isClientError 客户端错误（请求本身有误）不计入熔断失败
func isClientError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrInvalidRequest, types.ErrConfiguration, types.ErrUnauthorized, types.ErrForbidden:
		return true
	}
	return false
}
