package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/internal/tlsutil"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/types"
)

const remoteContentsPath = "/api/v1/text/contents"

// RemoteDetector calls an external detector server that speaks the
// detector API and shifts its offsets into the chunk's coordinates.
type RemoteDetector struct {
	id             string
	remoteID       string
	client         *resty.Client
	guard          *resilience.Guard
	detectorParams map[string]any
	logger         *zap.Logger
}

type contentsRequest struct {
	Contents       []string       `json:"contents"`
	DetectorParams map[string]any `json:"detector_params"`
}

type contentsDetection struct {
	Start         int            `json:"start"`
	End           int            `json:"end"`
	Text          string         `json:"text"`
	Detection     string         `json:"detection"`
	DetectionType string         `json:"detection_type"`
	Score         float64        `json:"score"`
	Evidence      map[string]any `json:"evidence,omitempty"`
}

// RemoteOptions configures a RemoteDetector.
type RemoteOptions struct {
	URL      string
	RemoteID string
	Token    string
	// CAFile 额外信任的 CA（集群内自签证书的检测器服务）
	CAFile  string
	Params  map[string]any
	Timeout time.Duration
	Guard   *resilience.Guard
	Logger  *zap.Logger
}

// NewRemoteDetector creates a detector posting to {URL}/api/v1/text/contents.
func NewRemoteDetector(id string, opts RemoteOptions) (*RemoteDetector, error) {
	if opts.URL == "" {
		return nil, types.NewConfigurationError("detector %s: url is required", id)
	}
	if opts.RemoteID == "" {
		opts.RemoteID = id
	}
	if opts.Params == nil {
		opts.Params = map[string]any{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tlsCfg := tlsutil.DefaultTLSConfig()
	if opts.CAFile != "" {
		withCA, err := tlsutil.WithRootCA(tlsCfg, opts.CAFile)
		if err != nil {
			return nil, types.NewConfigurationError("detector %s: %v", id, err).WithCause(err)
		}
		tlsCfg = withCA
	}
	client := resty.New().
		SetTransport(tlsutil.NewTransport(tlsCfg)).
		SetTimeout(opts.Timeout).
		SetBaseURL(strings.TrimRight(opts.URL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("detector-id", opts.RemoteID)
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	return &RemoteDetector{
		id:             id,
		remoteID:       opts.RemoteID,
		client:         client,
		guard:          opts.Guard,
		detectorParams: opts.Params,
		logger:         opts.Logger.With(zap.String("detector", id)),
	}, nil
}

func (b *Builder) buildRemote(cfg types.DetectorConfig, p types.Params) (Detector, error) {
	url, err := p.String("url", "")
	if err != nil {
		return nil, err
	}
	remoteID, err := p.String("detector_id", cfg.ID)
	if err != nil {
		return nil, err
	}
	token, err := p.String("token", "")
	if err != nil {
		return nil, err
	}
	caFile, err := p.String("ca_file", "")
	if err != nil {
		return nil, err
	}
	params, err := p.Map("detector_params")
	if err != nil {
		return nil, err
	}
	var guard *resilience.Guard
	if url != "" {
		guard = b.Guard(url)
	}
	return asDetector(NewRemoteDetector(cfg.ID, RemoteOptions{
		URL:      url,
		RemoteID: remoteID,
		Token:    token,
		CAFile:   caFile,
		Params:   params,
		Timeout:  b.deps.HTTPTimeout,
		Guard:    guard,
		Logger:   b.deps.Logger,
	}))
}

func (d *RemoteDetector) ID() string               { return d.id }
func (d *RemoteDetector) Kind() types.DetectorKind { return types.DetectorKindRemote }

// Evaluate sends the chunk as a single content.
func (d *RemoteDetector) Evaluate(ctx context.Context, chunk types.Chunk) ([]types.DetectionResult, error) {
	batches, err := resilience.Do(ctx, d.guard, func(ctx context.Context) ([][]contentsDetection, error) {
		return d.call(ctx, chunk.Text)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if types.GetErrorCode(err) == types.ErrTimeout {
			return nil, types.NewTimeoutError(d.id, err)
		}
		return nil, types.NewDetectorUnavailableError(d.id, err)
	}
	if len(batches) == 0 {
		return nil, nil
	}

	out := make([]types.DetectionResult, 0, len(batches[0]))
	for _, det := range batches[0] {
		if det.Start < 0 || det.End < det.Start || det.End > len(chunk.Text) {
			d.logger.Warn("dropping out-of-range remote detection",
				zap.Int("start", det.Start), zap.Int("end", det.End))
			continue
		}
		text := det.Text
		if text == "" {
			text = chunk.Text[det.Start:det.End]
		}
		out = append(out, types.DetectionResult{
			Start:         chunk.Start + det.Start,
			End:           chunk.Start + det.End,
			Text:          text,
			Detection:     det.Detection,
			DetectionType: det.DetectionType,
			DetectorID:    d.id,
			Score:         det.Score,
			Evidence:      det.Evidence,
		})
	}
	return out, nil
}

func (d *RemoteDetector) call(ctx context.Context, text string) ([][]contentsDetection, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(contentsRequest{Contents: []string{text}, DetectorParams: d.detectorParams}).
		Post(remoteContentsPath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrTimeout, "remote detector timed out").WithCause(err).WithRetryable(true)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, types.NewError(types.ErrUpstreamError, "remote detector request failed").WithCause(err).WithRetryable(true)
	}
	if resp.IsError() {
		return nil, llm.MapHTTPError(resp.StatusCode(), strings.TrimSpace(resp.String()), "remote detector "+d.remoteID)
	}

	var result [][]contentsDetection
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "invalid remote detector response").WithCause(err)
	}
	return result, nil
}
