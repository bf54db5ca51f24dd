package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/tlsutil"
)

// Config 服务器配置
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // 需覆盖检测与生成的总耗时
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration

	// 同时设置时启用 HTTPS
	TLSCertFile string
	TLSKeyFile  string
}

// DefaultConfig returns the orchestrator listener defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8033",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// TLSEnabled reports whether both certificate and key are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// ShutdownHook releases a resource once the listener has drained.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   ShutdownHook
}

// Manager runs one http.Server. The orchestrator API and the metrics
// endpoint each get their own Manager.
type Manager struct {
	name   string
	config Config
	server *http.Server
	logger *zap.Logger
	errCh  chan error

	mu       sync.Mutex
	listener net.Listener
	hooks    []namedHook
	closed   bool
}

// NewManager wraps handler; nothing listens until Start.
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	return &Manager{
		name:   name,
		config: config,
		server: &http.Server{
			Handler:        handler,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
			MaxHeaderBytes: config.MaxHeaderBytes,
			ErrorLog:       zap.NewStdLog(logger.Named("http")),
		},
		errCh:  make(chan error, 1),
		logger: logger.With(zap.String("server", name)),
	}
}

// OnShutdown registers a named hook. Hooks run after the listener has
// drained, last registered first.
func (m *Manager) OnShutdown(name string, hook ShutdownHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, namedHook{name: name, fn: hook})
	m.mu.Unlock()
}

// Start binds the listener and serves in the background. Certificate
// problems are reported here rather than on the first connection.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return fmt.Errorf("server %s is closed", m.name)
	case m.listener != nil:
		return fmt.Errorf("server %s already started", m.name)
	}

	var tlsCfg *tls.Config
	if m.config.TLSEnabled() {
		cfg, err := tlsutil.ServerTLSConfig(m.config.TLSCertFile, m.config.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("server %s: %w", m.name, err)
		}
		tlsCfg = cfg
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	m.listener = ln

	m.logger.Info("server listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", tlsCfg != nil))
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server failed", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown drains in-flight requests, then runs the hooks. Every hook runs
// even if an earlier one fails; the errors are joined.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	var errs []error
	if err := m.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			m.logger.Warn("shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	m.logger.Info("server stopped", zap.Duration("took", time.Since(start)), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// WaitForShutdown blocks until ctx ends, SIGINT/SIGTERM arrives or the
// server fails, then shuts down. A serve failure is returned with any
// shutdown errors.
func (m *Manager) WaitForShutdown(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cause error
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested")
	case cause = <-m.errCh:
	}
	// ctx 已结束，关闭使用独立上下文
	return errors.Join(cause, m.Shutdown(context.Background()))
}

// Errors delivers the first asynchronous serve failure.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr returns the bound address once started, else the configured one.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning reports whether Shutdown has not been called yet.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}
