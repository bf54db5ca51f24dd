package moderation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/resilience"
)

// Backend 打分后端类型
type Backend string

const (
	BackendOpenAI             Backend = "openai_moderation"
	BackendTextClassification Backend = "hf_text_classification"
)

// Config configures a classifier backend.
type Config struct {
	Backend Backend       `json:"backend" yaml:"backend"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	APIKey  string        `json:"-" yaml:"api_key"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultOpenAIConfig returns default OpenAI moderation config.
func DefaultOpenAIConfig() Config {
	return Config{
		Backend: BackendOpenAI,
		BaseURL: "https://api.openai.com/v1",
		Model:   "omni-moderation-latest",
		Timeout: 30 * time.Second,
	}
}

// New builds the classifier for cfg.Backend.
func New(cfg Config, guard *resilience.Guard, logger *zap.Logger) (Classifier, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch cfg.Backend {
	case BackendOpenAI:
		return NewOpenAIClassifier(cfg, guard), nil
	case BackendTextClassification, "":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("text classification backend requires base_url")
		}
		return NewTextClassificationClient(cfg, guard, logger), nil
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", cfg.Backend)
	}
}
