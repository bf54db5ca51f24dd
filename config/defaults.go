// =============================================================================
// 📦 GuardFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值。检测器注册表默认为空。
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Chunker:      DefaultChunkerConfig(),
		Judge:        DefaultModelConfig("judge"),
		Generation:   DefaultModelConfig("generation"),
		Resilience:   DefaultResilienceConfig(),
		Pool:         DefaultPoolConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Auth:         DefaultAuthConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8033,
		MetricsPort:     9090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    4 << 20,
		RateLimitRPS:    0,
		RateLimitBurst:  0,
	}
}

// DefaultOrchestratorConfig 返回默认编排配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrency:  16,
		DetectorTimeout: 10 * time.Second,
		FailurePolicy:   FailOpen,
		DecisionPolicy:  "any",
	}
}

// DefaultChunkerConfig 返回默认分块配置
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		Strategy:      "sentence",
		TokenEncoding: "cl100k_base",
	}
}

// DefaultModelConfig 返回未配置端点的模型配置
func DefaultModelConfig(name string) ModelConfig {
	return ModelConfig{
		Name:    name,
		Timeout: 60 * time.Second,
	}
}

// DefaultResilienceConfig 返回默认熔断与重试配置
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
		HalfOpenMaxCalls:    2,
		MaxRetries:          1,
		RetryInitialDelay:   100 * time.Millisecond,
		RetryMaxDelay:       2 * time.Second,
	}
}

// DefaultPoolConfig 返回默认协程池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   64,
		QueueSize: 1024,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:       false,
		Addr:          "localhost:6379",
		DB:            0,
		PoolSize:      10,
		MinIdleConns:  2,
		KeyPrefix:     "guardflow:",
		JudgeCacheTTL: time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置（审计库默认关闭）
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "guardflow",
		Name:            "guardflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DefaultAuthConfig 返回默认鉴权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{Mode: AuthNone}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "guardflow",
		SampleRate:   0.1,
		Insecure:     true,
	}
}
