package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/cache"
	"github.com/BaSui01/guardflow/internal/resilience"
)

func ping(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

// trippedGuard 返回一个熔断器已打开的后端 guard
func trippedGuard(t *testing.T, key string) *resilience.Guard {
	t.Helper()
	g := resilience.NewGuard(key, resilience.BreakerConfig{Threshold: 1, ResetTimeout: time.Hour},
		resilience.RetryPolicy{}, zap.NewNop())
	_, err := resilience.Call(context.Background(), g.Breaker, func(context.Context) (int, error) {
		return 0, errors.New("backend down")
	})
	require.Error(t, err)
	require.Equal(t, resilience.StateOpen, g.Breaker.State())
	return g
}

func guards(gs map[string]*resilience.Guard) func() map[string]*resilience.Guard {
	return func() map[string]*resilience.Guard { return gs }
}

func readiness(t *testing.T, h *HealthHandler) (int, ServiceHealthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status ServiceHealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_LivenessProbes(t *testing.T) {
	h := NewHealthHandler(nil)
	// 存活探针不执行依赖检查
	h.RegisterCheck(NewDatabaseHealthCheck("database", ping(errors.New("down"))))

	for path, handle := range map[string]http.HandlerFunc{
		"/health":  h.HandleHealth,
		"/healthz": h.HandleHealthz,
	} {
		w := httptest.NewRecorder()
		handle(w, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, w.Code, path)
		var status ServiceHealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Equal(t, "healthy", status.Status, path)
		assert.Empty(t, status.Checks, path)
	}
}

func TestHealthHandler_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     func(t *testing.T) []HealthCheck
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no dependencies",
			checks:     func(*testing.T) []HealthCheck { return nil },
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{},
		},
		{
			name: "audit database and closed breakers",
			checks: func(*testing.T) []HealthCheck {
				return []HealthCheck{
					NewDatabaseHealthCheck("database", ping(nil)),
					NewBreakerHealthCheck(guards(map[string]*resilience.Guard{
						"classifier:default": resilience.NewGuard("classifier:default", resilience.DefaultBreakerConfig(), resilience.RetryPolicy{}, nil),
					})),
				}
			},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"database": "pass", "detector_backends": "pass"},
		},
		{
			name: "open breaker only degrades",
			checks: func(t *testing.T) []HealthCheck {
				return []HealthCheck{
					NewDatabaseHealthCheck("database", ping(nil)),
					NewBreakerHealthCheck(guards(map[string]*resilience.Guard{"hf:toxicity": trippedGuard(t, "hf:toxicity")})),
				}
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"database": "pass", "detector_backends": "warn"},
		},
		{
			name: "failed dependency wins over degraded",
			checks: func(t *testing.T) []HealthCheck {
				return []HealthCheck{
					NewRedisHealthCheck("redis", ping(errors.New("connection refused"))),
					NewBreakerHealthCheck(guards(map[string]*resilience.Guard{"model:judge": trippedGuard(t, "model:judge")})),
				}
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"redis": "fail", "detector_backends": "warn"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			for _, c := range tt.checks(t) {
				h.RegisterCheck(c)
			}

			code, status := readiness(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status.Status)
			got := make(map[string]string, len(status.Checks))
			for name, c := range status.Checks {
				got[name] = c.Status
			}
			assert.Equal(t, tt.wantChecks, got)
		})
	}
}

func TestBreakerHealthCheck_ListsOpenBackendsSorted(t *testing.T) {
	check := NewBreakerHealthCheck(guards(map[string]*resilience.Guard{
		"remote:b": trippedGuard(t, "remote:b"),
		"remote:a": trippedGuard(t, "remote:a"),
		"remote:c": resilience.NewGuard("remote:c", resilience.DefaultBreakerConfig(), resilience.RetryPolicy{}, nil),
	}))

	err := check.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, "circuit open: remote:a, remote:b", err.Error())
	assert.True(t, check.Optional())
}

func TestHealthHandler_RedisPing(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	mgr, err := cache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewRedisHealthCheck("redis", mgr.Ping))

	code, status := readiness(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pass", status.Checks["redis"].Status)

	mr.Close()
	code, status = readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "fail", status.Checks["redis"].Status)
	assert.NotEmpty(t, status.Checks["redis"].Message)
}

func TestHealthHandler_RegisterWhileServing(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.RegisterCheck(NewDatabaseHealthCheck("database", ping(nil)))
		}()
		go func() {
			defer wg.Done()
			code, _ := readiness(t, h)
			assert.Equal(t, http.StatusOK, code)
		}()
	}
	wg.Wait()
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(nil).HandleVersion("0.3.1", "2025-06-01T00:00:00Z", "9f1c2ab")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{
		"version":    "0.3.1",
		"build_time": "2025-06-01T00:00:00Z",
		"git_commit": "9f1c2ab",
	}, resp.Data)
}
