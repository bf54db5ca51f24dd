package config

import (
	"time"

	"github.com/BaSui01/guardflow/types"
)

// Config 是 GuardFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Orchestrator 调度与判定策略
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Chunker 默认分块策略
	Chunker ChunkerConfig `yaml:"chunker" env:"CHUNKER"`

	// Detectors 检测器注册表
	Detectors []types.DetectorConfig `yaml:"detectors" env:"-"`

	// Classifiers 分类检测器可引用的后端，按名称索引
	Classifiers map[string]ClassifierConfig `yaml:"classifiers" env:"-"`

	// Judge 自我反思检测器默认使用的评审模型
	Judge ModelConfig `yaml:"judge" env:"JUDGE"`

	// Generation 下游生成模型
	Generation ModelConfig `yaml:"generation" env:"GENERATION"`

	// Resilience 远程后端的熔断与重试
	Resilience ResilienceConfig `yaml:"resilience" env:"RESILIENCE"`

	// Pool 进程级检测器协程池
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Redis 评审结果缓存
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 审计库
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Auth API 鉴权
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 请求体上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	// TLS 证书
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// CORS 允许的来源，空表示不启用 CORS
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每个客户端 IP 的限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// 失败策略
const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"
)

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// 单个请求内并发的检测器调用上限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 未单独配置时每次检测器调用的超时
	DetectorTimeout time.Duration `yaml:"detector_timeout" env:"DETECTOR_TIMEOUT"`
	// fail_open: 失败视为通过；fail_closed: 失败视为违规
	FailurePolicy string `yaml:"failure_policy" env:"FAILURE_POLICY"`
	// any | all | count>=k
	DecisionPolicy string `yaml:"decision_policy" env:"DECISION_POLICY"`
	// 是否写入审计事件（需要 database）
	Audit bool `yaml:"audit" env:"AUDIT"`
}

// ChunkerConfig 默认分块配置
type ChunkerConfig struct {
	Strategy string         `yaml:"strategy" env:"STRATEGY"`
	Params   map[string]any `yaml:"params" env:"-"`
	// tiktoken 编码，加载失败时退化为按空白分词
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
}

// ClassifierConfig 分类后端配置
type ClassifierConfig struct {
	// openai_moderation | hf_text_classification
	Backend string        `yaml:"backend"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ModelConfig OpenAI 兼容的 chat completions 端点
type ModelConfig struct {
	// 名称，用于日志和指标
	Name string `yaml:"name" env:"NAME"`
	// 基础 URL，为空表示未配置
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key（可选）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 默认模型
	Model string `yaml:"model" env:"MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 跳过 TLS 校验（仅限集群内自签证书）
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// Enabled reports whether an endpoint is configured.
func (m ModelConfig) Enabled() bool { return m.BaseURL != "" }

// ResilienceConfig 熔断与重试
type ResilienceConfig struct {
	BreakerThreshold    int           `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
	HalfOpenMaxCalls    int           `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialDelay   time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
}

// PoolConfig 协程池配置
type PoolConfig struct {
	// 同时运行的检测器调用上限
	Workers int `yaml:"workers" env:"WORKERS"`
	// 异步任务（审计、监控）排队上限
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// RedisConfig Redis 缓存配置
type RedisConfig struct {
	// 是否启用评审缓存
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// ACL 用户名
	Username string `yaml:"username" env:"USERNAME"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 评审结果缓存时长
	JudgeCacheTTL time.Duration `yaml:"judge_cache_ttl" env:"JUDGE_CACHE_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite；为空表示不启用审计库
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// 鉴权模式
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthJWT    = "jwt"
)

// AuthConfig API 鉴权配置
type AuthConfig struct {
	// none | api_key | jwt
	Mode string `yaml:"mode" env:"MODE"`
	// 允许的 API Key
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// HS256 密钥
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// 期望的签发者与受众（可选）
	JWTIssuer   string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience string `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 以明文 gRPC 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// deployment.environment 资源属性，空则不上报
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}
