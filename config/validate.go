package config

import (
	"errors"
	"fmt"

	"github.com/BaSui01/guardflow/chunking"
)

// Validate checks everything that can be checked without building
// detectors. Detector params are validated when the registry is built.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("invalid HTTP port %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		add("invalid metrics port %d", c.Server.MetricsPort)
	}

	if c.Orchestrator.MaxConcurrency <= 0 {
		add("orchestrator.max_concurrency must be positive")
	}
	if c.Orchestrator.DetectorTimeout <= 0 {
		add("orchestrator.detector_timeout must be positive")
	}
	switch c.Orchestrator.FailurePolicy {
	case FailOpen, FailClosed:
	default:
		// 失败策略必须显式配置
		add("orchestrator.failure_policy must be %s or %s, got %q", FailOpen, FailClosed, c.Orchestrator.FailurePolicy)
	}
	if c.Orchestrator.Audit && c.Database.Driver == "" {
		add("orchestrator.audit requires database.driver")
	}

	if _, err := chunking.Compile(c.Chunker.Strategy, c.Chunker.Params); err != nil {
		add("chunker: %w", err)
	}

	seen := make(map[string]bool, len(c.Detectors))
	for _, d := range c.Detectors {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[d.ID] {
			add("duplicate detector id %q", d.ID)
		}
		seen[d.ID] = true
		if d.Chunker != nil {
			if _, err := chunking.Compile(d.Chunker.Strategy, d.Chunker.Params); err != nil {
				add("detector %s chunker: %w", d.ID, err)
			}
		}
	}

	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		add("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Auth.Mode {
	case "", AuthNone:
	case AuthAPIKey:
		if len(c.Auth.APIKeys) == 0 {
			add("auth.mode api_key requires auth.api_keys")
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			add("auth.mode jwt requires auth.jwt_secret")
		}
	default:
		add("unknown auth.mode %q", c.Auth.Mode)
	}

	return errors.Join(errs...)
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
