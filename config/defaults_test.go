package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, OrchestratorConfig{}, cfg.Orchestrator)
	assert.NotEqual(t, ResilienceConfig{}, cfg.Resilience)
	assert.NotEqual(t, PoolConfig{}, cfg.Pool)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, AuthConfig{}, cfg.Auth)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.Empty(t, cfg.Detectors)
}

func TestDefaultConfig_IsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8033, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 120*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, int64(4<<20), cfg.MaxBodyBytes)
	assert.Zero(t, cfg.RateLimitRPS)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestDefaultOrchestratorConfig(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	assert.Equal(t, 16, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Second, cfg.DetectorTimeout)
	assert.Equal(t, FailOpen, cfg.FailurePolicy)
	assert.Equal(t, "any", cfg.DecisionPolicy)
	assert.False(t, cfg.Audit)
}

func TestDefaultChunkerConfig(t *testing.T) {
	cfg := DefaultChunkerConfig()
	assert.Equal(t, "sentence", cfg.Strategy)
	assert.Equal(t, "cl100k_base", cfg.TokenEncoding)
}

func TestDefaultModelConfig(t *testing.T) {
	cfg := DefaultModelConfig("judge")
	assert.Equal(t, "judge", cfg.Name)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.False(t, cfg.Enabled())

	cfg.BaseURL = "http://judge:8080/v1"
	assert.True(t, cfg.Enabled())
}

func TestDefaultResilienceConfig(t *testing.T) {
	cfg := DefaultResilienceConfig()
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerResetTimeout)
	assert.Equal(t, 2, cfg.HalfOpenMaxCalls)
	assert.Equal(t, 1, cfg.MaxRetries)
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 64, cfg.Workers)
	assert.Equal(t, 1024, cfg.QueueSize)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, "guardflow:", cfg.KeyPrefix)
	assert.Equal(t, time.Hour, cfg.JudgeCacheTTL)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	// 审计库默认关闭
	assert.Empty(t, cfg.Driver)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "guardflow", cfg.Name)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "guardflow", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.0001)
}
