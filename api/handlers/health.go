package handlers

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/guardflow/internal/resilience"
)

// 探针结果
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	checkPass = "pass"
	checkWarn = "warn"
	checkFail = "fail"
)

// readyTimeout bounds one readiness probe including every check.
const readyTimeout = 5 * time.Second

// HealthCheck is one readiness dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// OptionalCheck marks a check whose failure only degrades readiness.
type OptionalCheck interface {
	Optional() bool
}

// ServiceHealthResponse is the probe body.
type ServiceHealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one HealthCheck.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler serves liveness, readiness and version probes.
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler creates a handler with no readiness checks.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger.With(zap.String("handler", "health"))}
}

// RegisterCheck adds a readiness dependency. Safe while serving.
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, check)
	h.mu.Unlock()
}

// HandleHealth answers /health. Liveness never touches dependencies.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{Status: statusHealthy, Timestamp: time.Now()})
}

// HandleHealthz answers the Kubernetes liveness probe.
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleReady runs every registered check concurrently. A failed required
// check answers 503; failed optional checks answer 200 "degraded".
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	h.mu.RLock()
	checks := slices.Clone(h.checks)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	resp := ServiceHealthResponse{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		res := results[i]
		resp.Checks[check.Name()] = res
		switch {
		case res.Status == checkFail:
			resp.Status = statusUnhealthy
		case res.Status == checkWarn && resp.Status == statusHealthy:
			resp.Status = statusDegraded
		}
	}

	code := http.StatusOK
	if resp.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, resp)
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	err := check.Check(ctx)
	latency := time.Since(start)

	res := CheckResult{Status: checkPass, Latency: latency.String()}
	if err == nil {
		return res
	}
	res.Message = err.Error()
	res.Status = checkFail
	if opt, ok := check.(OptionalCheck); ok && opt.Optional() {
		res.Status = checkWarn
	}
	h.logger.Warn("readiness check failed",
		zap.String("check", check.Name()),
		zap.String("result", res.Status),
		zap.Duration("latency", latency),
		zap.Error(err))
	return res
}

// HandleVersion returns build information in the standard envelope.
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// PingCheck adapts a ping function (audit database, Redis).
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewDatabaseHealthCheck checks the audit database.
func NewDatabaseHealthCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// NewRedisHealthCheck checks the judge verdict cache.
func NewRedisHealthCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// BreakerHealthCheck 报告检测器后端熔断器状态。熔断只影响单个检测器，
// 因此是可选检查：服务降级但仍就绪。
type BreakerHealthCheck struct {
	guards func() map[string]*resilience.Guard
}

// NewBreakerHealthCheck creates a check over a guard snapshot function,
// typically guardrails.Builder.Guards.
func NewBreakerHealthCheck(guards func() map[string]*resilience.Guard) *BreakerHealthCheck {
	return &BreakerHealthCheck{guards: guards}
}

func (c *BreakerHealthCheck) Name() string { return "detector_backends" }

func (c *BreakerHealthCheck) Optional() bool { return true }

func (c *BreakerHealthCheck) Check(ctx context.Context) error {
	var open []string
	for key, g := range c.guards() {
		if g.Breaker.State() == resilience.StateOpen {
			open = append(open, key)
		}
	}
	if len(open) == 0 {
		return nil
	}
	slices.Sort(open)
	return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
}
