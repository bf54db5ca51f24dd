// =============================================================================
// OpenAI-Compatible Chat Provider
// =============================================================================
// Used both for the downstream generation model and for self-reflection judge
// models (vLLM, KServe, Ollama and similar servers speak the same API).
// =============================================================================

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/internal/tlsutil"
	"github.com/BaSui01/guardflow/types"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// Name identifies the provider in logs and metrics.
	Name string `yaml:"name" json:"name"`

	// BaseURL is the API root, e.g. "http://phi4-predictor:8080".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key" json:"-"`

	// Model is used when the request does not name one.
	Model string `yaml:"model" json:"model"`

	// Timeout is the HTTP client timeout. Defaults to 30s if zero.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string `yaml:"endpoint_path" json:"endpoint_path"`

	// ModelsEndpoint defaults to "/v1/models".
	ModelsEndpoint string `yaml:"models_endpoint" json:"models_endpoint"`

	// InsecureSkipVerify disables TLS verification for in-cluster model servers.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// OpenAIProvider talks to an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	cfg    Config
	client *http.Client
	guard  *resilience.Guard
	logger *zap.Logger
}

// Option configures an OpenAIProvider.
type Option func(*OpenAIProvider)

// WithGuard routes calls through a circuit breaker and retry policy.
func WithGuard(g *resilience.Guard) Option {
	return func(p *OpenAIProvider) { p.guard = g }
}

// WithHTTPClient replaces the default hardened client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.client = c }
}

// NewOpenAIProvider creates a provider for cfg.
func NewOpenAIProvider(cfg Config, logger *zap.Logger, opts ...Option) *OpenAIProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if cfg.Name == "" {
		cfg.Name = "openai-compatible"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := tlsutil.SecureHTTPClient(cfg.Timeout)
	if cfg.InsecureSkipVerify {
		client = tlsutil.InsecureHTTPClient(cfg.Timeout)
	}
	p := &OpenAIProvider{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("provider", cfg.Name)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return p.cfg.Name }

func (p *OpenAIProvider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *OpenAIProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

// wire format
type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int     `json:"index"`
		FinishReason string  `json:"finish_reason"`
		Message      Message `json:"message"`
	} `json:"choices"`
	Usage ChatUsage `json:"usage"`
}

// Completion performs a non-streaming chat completion.
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return resilience.Do(ctx, p.guard, func(ctx context.Context) (*ChatResponse, error) {
		return p.completion(ctx, req)
	})
}

func (p *OpenAIProvider) completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	body := openAIRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), p.Name())
	}

	var oaResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "invalid completion response").
			WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}

	p.logger.Debug("completion finished",
		zap.String("model", oaResp.Model),
		zap.Int("choices", len(oaResp.Choices)),
		zap.Duration("latency", time.Since(start)))

	out := &ChatResponse{
		ID:        oaResp.ID,
		Provider:  p.Name(),
		Model:     oaResp.Model,
		Usage:     oaResp.Usage,
		CreatedAt: time.Now(),
	}
	if oaResp.Created != 0 {
		out.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	for _, c := range oaResp.Choices {
		out.Choices = append(out.Choices, ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: c.Message})
	}
	return out, nil
}

// HealthCheck verifies the provider is reachable.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d msg=%s", p.Name(), resp.StatusCode, readErrorMessage(resp.Body))
	}
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *OpenAIProvider) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "upstream request timed out").
			WithCause(err).WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return types.NewError(types.ErrUpstreamError, "upstream request failed").
		WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
}

// MapHTTPError 将 HTTP 状态码映射为带有重试标记的 types.Error
func MapHTTPError(status int, msg, provider string) *types.Error {
	msg = fmt.Sprintf("%s: %s", provider, msg)
	switch {
	case status == http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(status)
	case status == http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(status)
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(status).WithRetryable(true)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrTimeout, msg).WithHTTPStatus(status).WithRetryable(true)
	case status >= 400 && status < 500:
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status)
	default:
		return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithRetryable(status >= 500)
	}
}

// readErrorMessage extracts {"error":{"message":...}} or returns the raw body.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error body"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return strings.TrimSpace(string(data))
}
