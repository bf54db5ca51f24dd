package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/api/handlers"
	"github.com/BaSui01/guardflow/chunking"
	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/guardrails"
	"github.com/BaSui01/guardflow/internal/cache"
	"github.com/BaSui01/guardflow/internal/database"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/migration"
	"github.com/BaSui01/guardflow/internal/pool"
	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/internal/server"
	"github.com/BaSui01/guardflow/internal/telemetry"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/llm/moderation"
	"github.com/BaSui01/guardflow/orchestrator"
	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 GuardFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 基础设施
	telemetry *telemetry.Providers
	metrics   *metrics.Collector
	cache     *cache.Manager
	dbPool    *database.PoolManager
	audit     *database.AuditStore
	pool      *pool.WorkerPool

	// 审核管线
	builder      *guardrails.Builder
	orchestrator *orchestrator.Orchestrator
	chunker      *chunking.Service
	// 分类后端与生成模型的熔断器（检测器后端的熔断器由 builder 管理）
	backendGuards map[string]*resilience.Guard

	// Handlers
	healthHandler    *handlers.HealthHandler
	chunkHandler     *handlers.ChunkHandler
	detectionHandler *handlers.DetectionHandler
	chatHandler      *handlers.ChatHandler
	auditHandler     *handlers.AuditHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		backendGuards: make(map[string]*resilience.Guard),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 遥测与指标
	providers, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers
	s.metrics = metrics.NewCollector("guardflow", s.logger)

	// 2. 可选的缓存与审计库
	s.initCache()
	if err := s.initDatabase(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}

	// 3. 审核管线
	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}

	// 4. Handlers
	s.initHandlers()

	// 5. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("detectors", s.orchestrator.Registry().Len()),
		zap.Strings("backends", breakerKeys(s.allGuards())),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initCache 连接评审缓存；连接失败时不启用缓存
func (s *Server) initCache() {
	if !s.cfg.Redis.Enabled {
		s.logger.Info("redis not enabled, judge answers are not cached")
		return
	}
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = s.cfg.Redis.Addr
	cacheCfg.Username = s.cfg.Redis.Username
	cacheCfg.Password = s.cfg.Redis.Password
	cacheCfg.TLS = s.cfg.Redis.TLS
	cacheCfg.DB = s.cfg.Redis.DB
	cacheCfg.DefaultTTL = s.cfg.Redis.JudgeCacheTTL
	if s.cfg.Redis.KeyPrefix != "" {
		cacheCfg.KeyPrefix = s.cfg.Redis.KeyPrefix
	}
	if s.cfg.Redis.PoolSize > 0 {
		cacheCfg.PoolSize = s.cfg.Redis.PoolSize
	}
	if s.cfg.Redis.MinIdleConns > 0 {
		cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns
	}
	cacheCfg.Observer = func(hit bool) {
		if hit {
			s.metrics.RecordCacheHit("judge")
		} else {
			s.metrics.RecordCacheMiss("judge")
		}
	}

	m, err := cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, judge cache disabled", zap.Error(err))
		return
	}
	s.cache = m
}

// initDatabase 打开审计库并迁移表结构
func (s *Server) initDatabase() error {
	dbCfg := s.cfg.Database
	if dbCfg.Driver == "" {
		s.logger.Info("database not configured, audit trail disabled")
		return nil
	}

	migrator, err := migration.NewMigratorFromDatabaseConfig(dbCfg, s.logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	upErr := migrator.Up(context.Background())
	if closeErr := migrator.Close(); closeErr != nil {
		s.logger.Warn("failed to close migrator", zap.Error(closeErr))
	}
	if upErr != nil {
		return upErr
	}

	db, err := database.Open(dbCfg, s.logger)
	if err != nil {
		return err
	}
	pm, err := database.NewPoolManager("audit", db, database.PoolConfigFrom(dbCfg), s.metrics, s.logger)
	if err != nil {
		return err
	}
	s.dbPool = pm
	s.audit = database.NewAuditStore(pm, s.metrics, s.logger)
	return nil
}

// initPipeline 构建检测器注册表与编排器
func (s *Server) initPipeline() error {
	classifiers, err := s.buildClassifiers()
	if err != nil {
		return err
	}

	deps := guardrails.Dependencies{
		Judge:         s.modelProvider(s.cfg.Judge),
		JudgeCacheTTL: s.cfg.Redis.JudgeCacheTTL,
		Classifiers:   classifiers,
		Breaker:       s.breakerConfig(),
		Retry:         s.retryPolicy(),
		OnGuard:       s.watchGuard,
		Logger:        s.logger,
	}
	if s.cache != nil {
		deps.JudgeCache = s.cache
	}
	s.builder = guardrails.NewBuilder(deps)

	defaults := types.ChunkerConfig{Strategy: s.cfg.Chunker.Strategy, Params: s.cfg.Chunker.Params}
	registry, err := orchestrator.NewRegistry(s.cfg.Detectors, s.builder, defaults)
	if err != nil {
		return err
	}

	s.pool = pool.NewWorkerPool(pool.WorkerPoolConfig{
		Workers: s.cfg.Pool.Workers,
		Backlog: s.cfg.Pool.QueueSize,
		PanicHandler: func(r any) {
			s.logger.Error("detector task panicked", zap.Any("panic", r))
		},
	})

	orchDeps := orchestrator.Dependencies{
		Generation: s.modelProvider(s.cfg.Generation),
		Pool:       s.pool,
		Metrics:    s.metrics,
		Logger:     s.logger,
	}
	if s.cfg.Orchestrator.Audit && s.audit != nil {
		orchDeps.Audit = s.audit
	}
	o, err := orchestrator.New(s.cfg.Orchestrator, registry, orchDeps)
	if err != nil {
		s.pool.Close()
		return err
	}
	s.orchestrator = o

	counter := chunking.NewFallbackCounter(chunking.NewTiktokenCounter(s.cfg.Chunker.TokenEncoding), s.logger)
	s.chunker = chunking.NewService(defaults, counter, s.logger)
	return nil
}

// buildClassifiers 按名称构建分类后端
func (s *Server) buildClassifiers() (map[string]moderation.Classifier, error) {
	classifiers := make(map[string]moderation.Classifier, len(s.cfg.Classifiers))
	for name, cc := range s.cfg.Classifiers {
		c, err := moderation.New(moderation.Config{
			Backend: moderation.Backend(cc.Backend),
			BaseURL: cc.BaseURL,
			APIKey:  cc.APIKey,
			Model:   cc.Model,
			Timeout: cc.Timeout,
		}, s.backendGuard("classifier:"+name), s.logger)
		if err != nil {
			return nil, types.NewConfigurationError("classifier %s: %v", name, err)
		}
		classifiers[name] = c
	}
	return classifiers, nil
}

// modelProvider 为已配置的端点创建带熔断的 provider；未配置时返回 nil 接口
func (s *Server) modelProvider(mc config.ModelConfig) llm.Provider {
	if !mc.Enabled() {
		s.logger.Info("model endpoint not configured", zap.String("name", mc.Name))
		return nil
	}
	return llm.NewOpenAIProvider(llm.Config{
		Name:               mc.Name,
		BaseURL:            mc.BaseURL,
		APIKey:             mc.APIKey,
		Model:              mc.Model,
		Timeout:            mc.Timeout,
		InsecureSkipVerify: mc.InsecureSkipVerify,
	}, s.logger, llm.WithGuard(s.backendGuard("model:"+mc.Name)))
}

func (s *Server) breakerConfig() resilience.BreakerConfig {
	rc := s.cfg.Resilience
	return resilience.BreakerConfig{
		Threshold:        rc.BreakerThreshold,
		ResetTimeout:     rc.BreakerResetTimeout,
		HalfOpenMaxCalls: rc.HalfOpenMaxCalls,
	}
}

func (s *Server) retryPolicy() resilience.RetryPolicy {
	rc := s.cfg.Resilience
	policy := resilience.DefaultRetryPolicy()
	policy.MaxRetries = rc.MaxRetries
	policy.InitialDelay = rc.RetryInitialDelay
	policy.MaxDelay = rc.RetryMaxDelay
	return policy
}

// backendGuard 创建启动期后端（分类器、模型）的熔断器
func (s *Server) backendGuard(key string) *resilience.Guard {
	if g, ok := s.backendGuards[key]; ok {
		return g
	}
	g := resilience.NewGuard(key, s.breakerConfig(), s.retryPolicy(), s.logger)
	s.backendGuards[key] = g
	s.watchGuard(key, g)
	return g
}

// watchGuard 把熔断器状态导出为指标
func (s *Server) watchGuard(key string, g *resilience.Guard) {
	s.metrics.RecordBreakerState(key, int(g.Breaker.State()))
	g.Breaker.OnStateChange(func(name string, from, to resilience.State) {
		s.metrics.RecordBreakerState(name, int(to))
	})
}

// allGuards 合并检测器后端与启动期后端的熔断器，供就绪检查使用
func (s *Server) allGuards() map[string]*resilience.Guard {
	out := s.builder.Guards()
	for k, g := range s.backendGuards {
		out[k] = g
	}
	return out
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.dbPool.Ping))
	}
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cache.Ping))
	}
	s.healthHandler.RegisterCheck(handlers.NewBreakerHealthCheck(s.allGuards))

	s.chunkHandler = handlers.NewChunkHandler(s.chunker, s.logger)
	s.detectionHandler = handlers.NewDetectionHandler(s.orchestrator, s.logger)
	s.chatHandler = handlers.NewChatHandler(s.orchestrator, s.logger)
	if s.audit != nil {
		s.auditHandler = handlers.NewAuditHandler(s.audit, s.logger)
	}

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// skipAuthPaths 探针与版本端点不需要认证
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// routes 注册所有路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 对外协议
	mux.HandleFunc("POST /api/v1/text/chunk", s.chunkHandler.HandleChunk)
	mux.HandleFunc("POST /api/v2/text/detection/content", s.detectionHandler.HandleDetection)
	mux.HandleFunc("POST /api/v2/chat/completions-detection", s.chatHandler.HandleCompletionDetection)

	// 管理端点
	mux.HandleFunc("GET /api/v1/detectors", s.detectionHandler.HandleListDetectors)
	if s.auditHandler != nil {
		mux.HandleFunc("GET /api/v1/audit/events", s.auditHandler.HandleListEvents)
	}
	return mux
}

// middlewares 构建中间件链
func (s *Server) middlewares(ctx context.Context) []Middleware {
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metrics),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	switch s.cfg.Auth.Mode {
	case config.AuthAPIKey:
		chain = append(chain, APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, s.logger))
	case config.AuthJWT:
		chain = append(chain, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	return chain
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	var root http.Handler = s.routes()
	if s.cfg.Server.MaxBodyBytes > 0 {
		root = http.MaxBytesHandler(root, s.cfg.Server.MaxBodyBytes)
	}

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(root, s.middlewares(rateLimiterCtx)...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
	}
	s.httpManager = server.NewManager("http", handler, serverConfig, s.logger)
	s.registerShutdownHooks()

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// registerShutdownHooks 注册清理钩子。钩子按注册的逆序执行：
// 编排器先等待后台审计写入，随后关闭协程池、数据库、缓存和遥测。
func (s *Server) registerShutdownHooks() {
	m := s.httpManager

	m.OnShutdown("telemetry", func(ctx context.Context) error {
		return s.telemetry.Shutdown(ctx)
	})
	m.OnShutdown("metrics_server", func(ctx context.Context) error {
		if s.metricsManager == nil {
			return nil
		}
		return s.metricsManager.Shutdown(ctx)
	})
	if s.cache != nil {
		m.OnShutdown("judge_cache", func(context.Context) error { return s.cache.Close() })
	}
	if s.dbPool != nil {
		m.OnShutdown("audit_db", func(context.Context) error { return s.dbPool.Close() })
	}
	m.OnShutdown("detector_pool", func(context.Context) error {
		s.pool.Close()
		st := s.pool.Stats()
		s.logger.Info("detector pool drained",
			zap.Int64("submitted", st.Submitted),
			zap.Int64("failed", st.Failed),
			zap.Int64("rejected", st.Rejected))
		return nil
	})
	m.OnShutdown("orchestrator", func(context.Context) error {
		s.orchestrator.Close()
		return nil
	})
	m.OnShutdown("rate_limiter", func(context.Context) error {
		if s.rateLimiterCancel != nil {
			s.rateLimiterCancel()
		}
		return nil
	})
}

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() error {
	s.logger.Info("Waiting for shutdown signal")
	return s.httpManager.WaitForShutdown(context.Background())
}

// breakerKeys 返回排序后的熔断器名称，用于启动日志
func breakerKeys(guards map[string]*resilience.Guard) []string {
	keys := make([]string, 0, len(guards))
	for k := range guards {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
