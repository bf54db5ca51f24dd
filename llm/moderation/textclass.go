package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/internal/tlsutil"
	"github.com/BaSui01/guardflow/types"
)

// TextClassificationClient calls a sequence-classification server (Hugging
// Face text-classification pipelines, KServe HF runtime) with
// {"inputs": text} and reads [{label, score}] or [[{label, score}]].
type TextClassificationClient struct {
	client *resty.Client
	guard  *resilience.Guard
	logger *zap.Logger
}

// NewTextClassificationClient creates a client posting to cfg.BaseURL.
func NewTextClassificationClient(cfg Config, guard *resilience.Guard, logger *zap.Logger) *TextClassificationClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTransport(tlsutil.SecureTransport()).
		SetTimeout(cfg.Timeout).
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &TextClassificationClient{
		client: client,
		guard:  guard,
		logger: logger.With(zap.String("classifier", cfg.BaseURL)),
	}
}

func (c *TextClassificationClient) Name() string { return "text-classification" }

func (c *TextClassificationClient) Classify(ctx context.Context, text string) ([]LabelScore, error) {
	return resilience.Do(ctx, c.guard, func(ctx context.Context) ([]LabelScore, error) {
		return c.classify(ctx, text)
	})
}

func (c *TextClassificationClient) classify(ctx context.Context, text string) ([]LabelScore, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"inputs": text}).
		Post("")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrTimeout, "classifier request timed out").WithCause(err).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrUpstreamError, "classifier request failed").WithCause(err).WithRetryable(true)
	}
	if resp.IsError() {
		return nil, types.NewError(types.ErrUpstreamError,
			fmt.Sprintf("classifier error: status=%d body=%s", resp.StatusCode(), resp.String())).
			WithHTTPStatus(resp.StatusCode()).
			WithRetryable(resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests)
	}

	scores, err := decodeLabelScores(resp.Body())
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to decode classifier response").WithCause(err)
	}
	return SortByScore(scores), nil
}

// decodeLabelScores accepts both the flat and the batched response shape.
func decodeLabelScores(body []byte) ([]LabelScore, error) {
	var flat []LabelScore
	if err := json.Unmarshal(body, &flat); err == nil {
		return flat, nil
	}
	var nested [][]LabelScore
	if err := json.Unmarshal(body, &nested); err != nil {
		return nil, err
	}
	if len(nested) == 0 {
		return nil, nil
	}
	return nested[0], nil
}
