package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/internal/tlsutil"
	"github.com/BaSui01/guardflow/types"
)

// OpenAIClassifier 使用 OpenAI Moderation API 打分，每个类别作为一个标签
type OpenAIClassifier struct {
	cfg    Config
	client *http.Client
	guard  *resilience.Guard
}

// NewOpenAIClassifier creates a classifier backed by {base}/moderations.
func NewOpenAIClassifier(cfg Config, guard *resilience.Guard) *OpenAIClassifier {
	def := DefaultOpenAIConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &OpenAIClassifier{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		guard:  guard,
	}
}

func (p *OpenAIClassifier) Name() string { return "openai-moderation" }

type openAIModerationRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type openAIModerationResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// Classify returns one score per moderation category.
func (p *OpenAIClassifier) Classify(ctx context.Context, text string) ([]LabelScore, error) {
	return resilience.Do(ctx, p.guard, func(ctx context.Context) ([]LabelScore, error) {
		return p.classify(ctx, text)
	})
}

func (p *OpenAIClassifier) classify(ctx context.Context, text string) ([]LabelScore, error) {
	payload, err := json.Marshal(openAIModerationRequest{Model: p.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/moderations", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrTimeout, "moderation request timed out").WithCause(err).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrUpstreamError, "moderation request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("moderation error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(errBody)))).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	var oResp openAIModerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&oResp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to decode moderation response").WithCause(err)
	}
	if len(oResp.Results) == 0 {
		return nil, nil
	}

	scores := make([]LabelScore, 0, len(oResp.Results[0].CategoryScores))
	for label, score := range oResp.Results[0].CategoryScores {
		scores = append(scores, LabelScore{Label: label, Score: score})
	}
	return SortByScore(scores), nil
}
