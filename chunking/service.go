package chunking

import (
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

// Result is the output of the chunker endpoint.
type Result struct {
	Strategy   Strategy
	Spans      []types.Span
	TokenCount int
}

// Service 分块服务，供 HTTP 接口与 CLI 使用
type Service struct {
	defaults types.ChunkerConfig
	counter  TokenCounter
	logger   *zap.Logger
}

// NewService creates a chunking service. Requests that name no strategy use
// defaults.
func NewService(defaults types.ChunkerConfig, counter TokenCounter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = WhitespaceCounter{}
	}
	if defaults.Strategy == "" {
		defaults.Strategy = string(StrategySentence)
	}
	return &Service{
		defaults: defaults,
		counter:  counter,
		logger:   logger.With(zap.String("component", "chunker")),
	}
}

// Defaults returns the configured default strategy.
func (s *Service) Defaults() types.ChunkerConfig { return s.defaults }

// Chunk splits text with strategy (or the default) and counts tokens over
// the whole input.
func (s *Service) Chunk(text, strategy string, params map[string]any) (*Result, error) {
	if strategy == "" {
		strategy = s.defaults.Strategy
		params = types.MergeParams(s.defaults.Params, params)
	}

	splitter, err := Compile(strategy, params)
	if err != nil {
		return nil, err
	}
	spans := splitter.Split(text)

	tokens, err := s.counter.CountTokens(text)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "token counting failed").WithCause(err)
	}

	s.logger.Debug("chunking completed",
		zap.String("strategy", strategy),
		zap.Int("chunks", len(spans)),
		zap.Int("tokens", tokens))

	return &Result{Strategy: splitter.Strategy(), Spans: spans, TokenCount: tokens}, nil
}
