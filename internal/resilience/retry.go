package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

// RetryPolicy 重试策略，默认只重试标记为 Retryable 的错误
type RetryPolicy struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`     // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"` // 初始延迟
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`         // 最大延迟
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`       // 指数退避倍数
	Jitter       bool          `yaml:"jitter" json:"jitter"`               // ±25% 随机抖动

	// Retryable overrides the default retry predicate.
	Retryable func(error) bool `yaml:"-" json:"-"`
}

// DefaultRetryPolicy 检测器后端默认：一次快速重试
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   1,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Retryable == nil {
		p.Retryable = defaultRetryable
	}
	return p
}

// Delay returns the wait before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx ends.
func Retry[T any](ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt)
			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), err))
		}
		if !policy.Retryable(err) {
			return zero, err
		}
	}

	logger.Warn("retries exhausted", zap.Int("attempts", policy.MaxRetries+1), zap.Error(lastErr))
	return zero, lastErr
}

func defaultRetryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyCallsInHalfOpen) {
		return false
	}
	return types.IsRetryable(err)
}

// Guard combines a breaker and a retry policy for one backend.
type Guard struct {
	Breaker *Breaker
	Policy  RetryPolicy
	logger  *zap.Logger
}

// NewGuard creates a guard for the named backend.
func NewGuard(name string, breaker BreakerConfig, policy RetryPolicy, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		Breaker: NewBreaker(name, breaker, logger),
		Policy:  policy,
		logger:  logger.With(zap.String("backend", name)),
	}
}

// Do retries fn through the breaker. A nil guard calls fn directly.
func Do[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	return Retry(ctx, g.Policy, g.logger, func(ctx context.Context) (T, error) {
		return Call(ctx, g.Breaker, fn)
	})
}
