package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/pool"
	"github.com/BaSui01/guardflow/internal/telemetry"
	"github.com/BaSui01/guardflow/types"
)

// DetectionTypeDetectorError marks the synthetic detection contributed by a
// failed call under the fail_closed policy.
const DetectionTypeDetectorError = "detector_error"

// DetectorError records one failed detector call. It is reported beside the
// detections and never aborts the request.
type DetectorError struct {
	DetectorID string `json:"detector_id"`
	ChunkIndex int    `json:"chunk_index"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e DetectorError) Error() string {
	return fmt.Sprintf("detector %s chunk %d: %s", e.DetectorID, e.ChunkIndex, e.Message)
}

func (e DetectorError) Unwrap() error { return e.Err }

// Plan is the chunked work of one evaluation: a chunk set per distinct
// chunking strategy, shared by every detector configured the same way.
type Plan struct {
	detectors []selected
	chunkSets map[string][]types.Chunk
}

// Chunks returns the chunk set detector id will see.
func (p *Plan) Chunks(id string) []types.Chunk {
	for _, s := range p.detectors {
		if s.cfg.ID == id {
			return p.chunkSets[s.splitter.Key()]
		}
	}
	return nil
}

// Calls returns the number of detector calls the plan will make.
func (p *Plan) Calls() int {
	n := 0
	for _, s := range p.detectors {
		n += len(p.chunkSets[s.splitter.Key()])
	}
	return n
}

// Dispatcher fans chunks out to detectors. Concurrency is bounded per
// request by MaxConcurrency and process-wide by the shared pool.
type Dispatcher struct {
	pool           *pool.WorkerPool
	maxConcurrency int
	timeout        time.Duration
	failClosed     bool
	metrics        *metrics.Collector
	logger         *zap.Logger
	tracer         trace.Tracer
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	MaxConcurrency int
	// Timeout applies to detectors that do not set their own.
	Timeout    time.Duration
	FailClosed bool
}

// NewDispatcher creates a dispatcher. p and m may be nil.
func NewDispatcher(cfg DispatcherConfig, p *pool.WorkerPool, m *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		pool:           p,
		maxConcurrency: cfg.MaxConcurrency,
		timeout:        cfg.Timeout,
		failClosed:     cfg.FailClosed,
		metrics:        m,
		logger:         logger.With(zap.String("component", "dispatcher")),
		tracer:         telemetry.Tracer("dispatcher"),
	}
}

// Chunk splits content once per distinct strategy among detectors.
func (d *Dispatcher) Chunk(ctx context.Context, content string, detectors []selected) *Plan {
	_, span := d.tracer.Start(ctx, "chunking",
		trace.WithAttributes(attribute.Int("guardflow.content.bytes", len(content))))
	defer span.End()

	plan := &Plan{detectors: detectors, chunkSets: make(map[string][]types.Chunk)}
	for _, s := range detectors {
		key := s.splitter.Key()
		if _, ok := plan.chunkSets[key]; ok {
			continue
		}
		chunks := splitChunks(s, content)
		plan.chunkSets[key] = chunks
		d.metrics.RecordChunks(string(s.splitter.Strategy()), len(chunks))
	}
	span.SetAttributes(attribute.Int("guardflow.chunk_sets", len(plan.chunkSets)))
	return plan
}

func splitChunks(s selected, content string) []types.Chunk {
	spans := s.splitter.Split(content)
	chunks := make([]types.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = types.Chunk{Span: sp, Index: i}
	}
	return chunks
}

type call struct {
	sel   selected
	chunk types.Chunk
}

type outcome struct {
	results []types.DetectionResult
	err     *DetectorError
}

// Dispatch invokes every detector once per chunk of its chunk set and
// waits for all calls. Results are keyed by detector id; errors are
// isolated per call.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *Plan) (map[string][]types.DetectionResult, []DetectorError) {
	calls := make([]call, 0, plan.Calls())
	for _, s := range plan.detectors {
		for _, c := range plan.chunkSets[s.splitter.Key()] {
			calls = append(calls, call{sel: s, chunk: c})
		}
	}

	outcomes := make([]outcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxConcurrency)
	for i, c := range calls {
		g.Go(func() error {
			outcomes[i] = d.call(gctx, c)
			// 单个检测器失败不影响其他调用
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string][]types.DetectionResult, len(plan.detectors))
	for _, s := range plan.detectors {
		results[s.cfg.ID] = nil
	}
	var errs []DetectorError
	for i, o := range outcomes {
		id := calls[i].sel.cfg.ID
		results[id] = append(results[id], o.results...)
		if o.err != nil {
			errs = append(errs, *o.err)
		}
	}
	return results, errs
}

// Evaluate chunks content and dispatches it in one step.
func (d *Dispatcher) Evaluate(ctx context.Context, content string, detectors []selected) (map[string][]types.DetectionResult, []DetectorError) {
	return d.Dispatch(ctx, d.Chunk(ctx, content, detectors))
}

func (d *Dispatcher) call(ctx context.Context, c call) outcome {
	cfg := c.sel.cfg
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "detector.evaluate", trace.WithAttributes(
		telemetry.AttrDetectorID.String(cfg.ID),
		telemetry.AttrDetectorKind.String(string(cfg.Kind)),
		telemetry.AttrChunkIndex.Int(c.chunk.Index),
	))
	defer span.End()

	start := time.Now()
	var found []types.DetectionResult
	run := func(ctx context.Context) error {
		var err error
		found, err = c.sel.detector.Evaluate(ctx, c.chunk)
		return err
	}
	var err error
	if d.pool != nil {
		err = d.pool.SubmitWait(ctx, run)
	} else {
		err = run(ctx)
	}
	duration := time.Since(start)

	if err != nil {
		derr := d.detectorError(ctx, cfg.ID, c.chunk.Index, err)
		telemetry.Fail(span, err)
		status := "error"
		if derr.Code == string(types.ErrTimeout) {
			status = "timeout"
		}
		d.metrics.RecordDetectorCall(cfg.ID, string(cfg.Kind), status, duration)
		d.logger.Warn("detector call failed, treated as degraded",
			zap.String("detector_id", cfg.ID),
			zap.Int("chunk_index", c.chunk.Index),
			zap.String("code", derr.Code),
			zap.Bool("fail_closed", d.failClosed),
			zap.Error(err))

		out := outcome{err: &derr}
		if d.failClosed {
			out.results = []types.DetectionResult{failureDetection(cfg.ID, c.chunk, derr)}
		}
		return out
	}

	d.metrics.RecordDetectorCall(cfg.ID, string(cfg.Kind), "ok", duration)

	// 阈值包含边界：score == threshold 计为检测
	kept := found[:0:0]
	for _, r := range found {
		if r.Score >= cfg.Threshold {
			if r.DetectorID == "" {
				r.DetectorID = cfg.ID
			}
			kept = append(kept, r)
		}
	}
	span.SetAttributes(telemetry.AttrDetections.Int(len(kept)))
	return outcome{results: kept}
}

func (d *Dispatcher) detectorError(ctx context.Context, id string, chunkIndex int, err error) DetectorError {
	var typed *types.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		typed = types.NewTimeoutError(id, err)
	case errors.As(err, &typed):
	default:
		typed = types.NewDetectorUnavailableError(id, err)
	}
	return DetectorError{
		DetectorID: id,
		ChunkIndex: chunkIndex,
		Code:       string(typed.Code),
		Message:    err.Error(),
		Err:        typed,
	}
}

func failureDetection(id string, chunk types.Chunk, derr DetectorError) types.DetectionResult {
	return types.DetectionResult{
		Start:         chunk.Start,
		End:           chunk.End,
		Text:          chunk.Text,
		Detection:     DetectionTypeDetectorError,
		DetectionType: DetectionTypeDetectorError,
		DetectorID:    id,
		Score:         1.0,
		Evidence:      map[string]any{"code": derr.Code, "error": derr.Message},
	}
}
