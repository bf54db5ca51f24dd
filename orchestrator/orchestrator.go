package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/pool"
	"github.com/BaSui01/guardflow/internal/telemetry"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/types"
)

// Warning types returned with refusals.
const (
	WarningUnsuitableInput  = "UNSUITABLE_INPUT"
	WarningUnsuitableOutput = "UNSUITABLE_OUTPUT"
)

// Audit endpoint names.
const (
	EndpointDetection = "detection"
	EndpointChat      = "chat"
)

// AuditSink receives one summary event per moderated request.
type AuditSink interface {
	Record(ctx context.Context, event types.AuditEvent) error
}

// Warning is a machine-readable refusal reason.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DetectRequest is a detection-only evaluation.
type DetectRequest struct {
	Content   string
	Detectors Selection
	// Direction defaults to input.
	Direction types.Direction
}

// DetectResult is the outcome of Detect.
type DetectResult struct {
	// Detections holds every blocking detection, even when the decision
	// policy yields pass.
	Detections []types.DetectionResult
	Verdict    types.ModerationVerdict
	Errors     []DetectorError
	State      State
}

// ChatRequest is a chat completion wrapped in input and output detection.
type ChatRequest struct {
	Completion *llm.ChatRequest
	Input      Selection
	Output     Selection
}

// Detections groups results by direction.
type Detections struct {
	Input  []types.DetectionResult `json:"input,omitempty"`
	Output []types.DetectionResult `json:"output,omitempty"`
}

// ChatResult is the outcome of Chat. A violation is a normal result with
// empty choices and a warning, never an error.
type ChatResult struct {
	Response   *llm.ChatResponse
	Detections Detections
	Warnings   []Warning
	Errors     []DetectorError
	Input      types.ModerationVerdict
	// Output is nil when generation was skipped.
	Output *types.ModerationVerdict
	State  State
	Trail  []State
}

// Blocked reports whether either direction was refused.
func (r *ChatResult) Blocked() bool { return r.State == StateFinalBlock }

// Dependencies are optional collaborators of the Orchestrator.
type Dependencies struct {
	// Generation is the downstream chat model. Chat fails without it.
	Generation llm.Provider
	// Pool bounds detector calls process-wide. A private pool is created
	// when nil.
	Pool    *pool.WorkerPool
	Audit   AuditSink
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Orchestrator runs chunk → detect → aggregate → decide for both
// directions of a request. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	registry   *Registry
	dispatcher *Dispatcher
	policy     DecisionPolicy
	failure    string
	generation llm.Provider
	pool       *pool.WorkerPool
	ownsPool   bool
	audit      AuditSink
	metrics    *metrics.Collector
	logger     *zap.Logger
	tracer     trace.Tracer

	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
}

// New validates cfg and creates an Orchestrator over registry.
func New(cfg config.OrchestratorConfig, registry *Registry, deps Dependencies) (*Orchestrator, error) {
	if registry == nil {
		return nil, types.NewConfigurationError("detector registry is required")
	}
	var failClosed bool
	switch cfg.FailurePolicy {
	case config.FailOpen:
	case config.FailClosed:
		failClosed = true
	default:
		return nil, types.NewConfigurationError("failure policy must be %s or %s, got %q",
			config.FailOpen, config.FailClosed, cfg.FailurePolicy)
	}
	policy, err := ParseDecisionPolicy(cfg.DecisionPolicy)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p, owns := deps.Pool, false
	if p == nil {
		p, owns = pool.NewWorkerPool(pool.DefaultWorkerPoolConfig()), true
	}

	o := &Orchestrator{
		registry: registry,
		dispatcher: NewDispatcher(DispatcherConfig{
			MaxConcurrency: cfg.MaxConcurrency,
			Timeout:        cfg.DetectorTimeout,
			FailClosed:     failClosed,
		}, p, deps.Metrics, logger),
		policy:     policy,
		failure:    cfg.FailurePolicy,
		generation: deps.Generation,
		pool:       p,
		ownsPool:   owns,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		logger:     logger.With(zap.String("component", "orchestrator")),
		tracer:     telemetry.Tracer("orchestrator"),
	}
	o.logger.Info("orchestrator ready",
		zap.Int("detectors", registry.Len()),
		zap.String("decision_policy", policy.String()),
		zap.String("failure_policy", cfg.FailurePolicy),
		zap.Bool("generation", deps.Generation != nil),
		zap.Bool("audit", deps.Audit != nil))
	return o, nil
}

// Registry returns the detector registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Policy returns the decision policy.
func (o *Orchestrator) Policy() DecisionPolicy { return o.policy }

// FailurePolicy returns fail_open or fail_closed.
func (o *Orchestrator) FailurePolicy() string { return o.failure }

// Close waits for monitor and audit work and releases a private pool.
// Requests finishing after Close skip their monitor and audit work.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.background.Wait()
	if o.ownsPool {
		o.pool.Close()
	}
}

// Detect evaluates content with the selected detectors.
func (o *Orchestrator) Detect(ctx context.Context, req DetectRequest) (*DetectResult, error) {
	start := time.Now()
	if len(req.Detectors) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one detector is required").
			WithHTTPStatus(http.StatusBadRequest)
	}
	direction := req.Direction
	if direction == "" {
		direction = types.DirectionInput
	}
	all, err := o.registry.resolve(req.Detectors)
	if err != nil {
		return nil, err
	}
	blocking, monitors := split(all)

	ctx = types.WithDirection(ctx, direction)
	ctx, span := o.tracer.Start(ctx, "orchestrator.detect",
		trace.WithAttributes(
			attribute.StringSlice("guardflow.detectors", detectorIDs(all)),
			telemetry.AttrDirection.String(string(direction)),
		))
	defer span.End()

	lc := newLifecycle(ctx, o.metrics, o.logger)
	ev, err := o.evaluateInput(ctx, lc, req.Content, blocking, direction)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}
	o.runMonitors(ctx, []string{req.Content}, monitors, direction)

	result := &DetectResult{
		Detections: ev.detections,
		Verdict:    ev.verdict,
		Errors:     ev.errors,
		State:      lc.current(),
	}
	o.record(ctx, types.AuditEvent{
		Endpoint:    EndpointDetection,
		Direction:   direction,
		Status:      ev.verdict.Status,
		FinalState:  string(lc.current()),
		DetectorIDs: detectorIDs(all),
		Detections:  ev.detections,
		ErrorCount:  len(ev.errors),
		Duration:    time.Since(start),
	})
	o.logger.Info("detection completed",
		requestField(ctx),
		zap.Int("detectors", len(blocking)),
		zap.Int("detections", len(ev.detections)),
		zap.Int("errors", len(ev.errors)),
		zap.String("status", string(ev.verdict.Status)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// Chat moderates the newest message, calls the generation model only if
// the input passes, then moderates every generated choice.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	start := time.Now()
	if req.Completion == nil || len(req.Completion.Messages) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "messages cannot be empty").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if o.generation == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "generation endpoint is not configured").
			WithHTTPStatus(http.StatusServiceUnavailable)
	}
	inAll, inErr := o.registry.resolve(req.Input)
	outAll, outErr := o.registry.resolve(req.Output)
	switch {
	case inErr != nil && outErr != nil:
		return nil, configurationErrors([]error{inErr, outErr})
	case inErr != nil:
		return nil, inErr
	case outErr != nil:
		return nil, outErr
	}
	inBlocking, inMonitors := split(inAll)
	outBlocking, outMonitors := split(outAll)

	ctx, span := o.tracer.Start(ctx, "orchestrator.chat",
		trace.WithAttributes(telemetry.AttrModel.String(req.Completion.Model)))
	defer span.End()

	lc := newLifecycle(ctx, o.metrics, o.logger)
	result := &ChatResult{}
	event := types.AuditEvent{
		Endpoint:    EndpointChat,
		Direction:   types.DirectionInput,
		DetectorIDs: append(detectorIDs(inAll), detectorIDs(outAll)...),
	}
	fail := func(err error) (*ChatResult, error) {
		telemetry.Fail(span, err)
		return nil, err
	}

	// 输入方向
	prompt := req.Completion.Messages[len(req.Completion.Messages)-1].Content
	inCtx := types.WithDirection(ctx, types.DirectionInput)
	in, err := o.evaluateInput(inCtx, lc, prompt, inBlocking, types.DirectionInput)
	if err != nil {
		return fail(err)
	}
	o.runMonitors(inCtx, []string{prompt}, inMonitors, types.DirectionInput)
	result.Input = in.verdict
	result.Detections.Input = in.detections
	result.Errors = in.errors

	if in.verdict.Blocked() {
		if err := lc.advance(StateFinalBlock); err != nil {
			return fail(err)
		}
		result.Response = &llm.ChatResponse{Model: req.Completion.Model, Choices: []llm.ChatChoice{}}
		result.Warnings = []Warning{refusal(WarningUnsuitableInput, in.verdict)}
		return o.finishChat(ctx, lc, result, event, start)
	}

	// 生成
	if err := lc.advance(StateGenerating); err != nil {
		return fail(err)
	}
	resp, err := o.generate(ctx, req.Completion)
	if err != nil {
		event.Status = types.VerdictPass
		event.FinalState = string(lc.current())
		event.ErrorCount = len(result.Errors)
		event.Duration = time.Since(start)
		o.record(ctx, event)
		return fail(err)
	}
	result.Response = resp

	// 输出方向
	if err := lc.advance(StateOutputCheck); err != nil {
		return fail(err)
	}
	outCtx := types.WithDirection(ctx, types.DirectionOutput)
	contents := make([]string, len(resp.Choices))
	for i, choice := range resp.Choices {
		contents[i] = choice.Message.Content
	}
	out, outDetections, outErrs := o.checkOutput(outCtx, contents, outBlocking)
	result.Errors = append(result.Errors, outErrs...)
	if err := ctx.Err(); err != nil {
		return fail(aborted(err))
	}
	result.Output = &out
	result.Detections.Output = outDetections
	event.Direction = types.DirectionOutput
	o.runMonitors(outCtx, contents, outMonitors, types.DirectionOutput)

	if out.Blocked() {
		if err := lc.advance(StateFinalBlock); err != nil {
			return fail(err)
		}
		resp.Choices = []llm.ChatChoice{}
		result.Warnings = []Warning{refusal(WarningUnsuitableOutput, out)}
	} else if err := lc.advance(StateFinalPass); err != nil {
		return fail(err)
	}
	return o.finishChat(ctx, lc, result, event, start)
}

func (o *Orchestrator) finishChat(ctx context.Context, lc *lifecycle, result *ChatResult, event types.AuditEvent, start time.Time) (*ChatResult, error) {
	result.State = lc.current()
	result.Trail = lc.trail()

	event.Status = types.VerdictPass
	if result.Blocked() {
		event.Status = types.VerdictViolation
	}
	event.FinalState = string(result.State)
	event.Detections = append(append([]types.DetectionResult{}, result.Detections.Input...), result.Detections.Output...)
	event.ErrorCount = len(result.Errors)
	event.Duration = time.Since(start)
	o.record(ctx, event)

	o.logger.Info("chat completed",
		requestField(ctx),
		zap.String("state", string(result.State)),
		zap.Int("input_detections", len(result.Detections.Input)),
		zap.Int("output_detections", len(result.Detections.Output)),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", event.Duration))
	return result, nil
}

type evaluation struct {
	detections []types.DetectionResult
	verdict    types.ModerationVerdict
	errors     []DetectorError
}

// evaluateInput walks CHUNKED → DETECTING → AGGREGATED_*.
func (o *Orchestrator) evaluateInput(ctx context.Context, lc *lifecycle, content string, blocking []selected, direction types.Direction) (evaluation, error) {
	plan := o.dispatcher.Chunk(ctx, content, blocking)
	if err := lc.path(StateChunked, StateDetecting); err != nil {
		return evaluation{}, err
	}
	per, errs := o.dispatcher.Dispatch(ctx, plan)
	// 请求已取消时不做部分聚合
	if err := ctx.Err(); err != nil {
		return evaluation{}, aborted(err)
	}
	detections := Aggregate(per, detectorIDs(blocking))
	verdict := o.decide(detections, direction, blocking)

	next := StateAggregatedPass
	if verdict.Blocked() {
		next = StateAggregatedBlock
	}
	if err := lc.advance(next); err != nil {
		return evaluation{}, err
	}
	return evaluation{detections: detections, verdict: verdict, errors: errs}, nil
}

// detect chunks, dispatches and aggregates without touching the lifecycle.
func (o *Orchestrator) detect(ctx context.Context, content string, blocking []selected) ([]types.DetectionResult, []DetectorError) {
	per, errs := o.dispatcher.Evaluate(ctx, content, blocking)
	return Aggregate(per, detectorIDs(blocking)), errs
}

// EvidenceChoiceIndex tags output detections with the generated choice
// they were found in. Offsets are relative to that choice's content.
const EvidenceChoiceIndex = "choice_index"

// checkOutput decides every generated choice on its own; the output is a
// violation when any choice is. Detections are ordered by (choice, start,
// registration) and tagged with EvidenceChoiceIndex.
func (o *Orchestrator) checkOutput(ctx context.Context, contents []string, blocking []selected) (types.ModerationVerdict, []types.DetectionResult, []DetectorError) {
	verdict := types.ModerationVerdict{
		Status:              types.VerdictPass,
		TriggeredDetections: []types.DetectionResult{},
		Direction:           types.DirectionOutput,
	}
	ids := detectorIDs(blocking)
	var all []types.DetectionResult
	var errs []DetectorError
	for i, content := range contents {
		dets, derrs := o.detect(ctx, content, blocking)
		errs = append(errs, derrs...)
		for j := range dets {
			dets[j].Evidence = withChoice(dets[j].Evidence, i)
			o.metrics.RecordDetection(dets[j].DetectorID, dets[j].DetectionType, string(types.DirectionOutput))
		}
		all = append(all, dets...)

		if v := o.policy.Decide(dets, types.DirectionOutput, ids); v.Blocked() {
			verdict.Status = types.VerdictViolation
			verdict.TriggeredDetections = append(verdict.TriggeredDetections, v.TriggeredDetections...)
		}
	}
	o.metrics.RecordVerdict(string(types.DirectionOutput), string(verdict.Status))
	return verdict, all, errs
}

func withChoice(evidence map[string]any, choice int) map[string]any {
	out := make(map[string]any, len(evidence)+1)
	for k, v := range evidence {
		out[k] = v
	}
	out[EvidenceChoiceIndex] = choice
	return out
}

func (o *Orchestrator) decide(detections []types.DetectionResult, direction types.Direction, blocking []selected) types.ModerationVerdict {
	for _, d := range detections {
		o.metrics.RecordDetection(d.DetectorID, d.DetectionType, string(direction))
	}
	verdict := o.policy.Decide(detections, direction, detectorIDs(blocking))
	o.metrics.RecordVerdict(string(direction), string(verdict.Status))
	return verdict
}

func (o *Orchestrator) generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, span := o.tracer.Start(ctx, "generation", trace.WithAttributes(
		telemetry.AttrProvider.String(o.generation.Name()),
		telemetry.AttrModel.String(req.Model),
	))
	defer span.End()

	start := time.Now()
	resp, err := o.generation.Completion(ctx, req)
	duration := time.Since(start)
	if err != nil {
		o.metrics.RecordGeneration(o.generation.Name(), req.Model, "error", duration, 0, 0)
		telemetry.Fail(span, err)
		var typed *types.Error
		if !errors.As(err, &typed) {
			typed = types.NewError(types.ErrUpstreamError, "generation call failed").
				WithCause(err).
				WithHTTPStatus(http.StatusBadGateway)
		}
		return nil, typed
	}
	o.metrics.RecordGeneration(o.generation.Name(), req.Model, "ok", duration,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

// runMonitors evaluates monitor-mode detectors after the verdict is fixed.
// Their results only feed metrics.
func (o *Orchestrator) runMonitors(ctx context.Context, contents []string, monitors []selected, direction types.Direction) {
	if len(monitors) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if !o.track() {
		o.logger.Debug("orchestrator closed, monitor detectors skipped", requestField(ctx))
		return
	}
	go func() {
		defer o.background.Done()
		for _, content := range contents {
			per, errs := o.dispatcher.Evaluate(ctx, content, monitors)
			for _, id := range detectorIDs(monitors) {
				for _, r := range per[id] {
					if r.DetectionType == DetectionTypeDetectorError {
						continue
					}
					o.metrics.RecordMonitorDetection(r.DetectorID, r.DetectionType, r.Score)
				}
			}
			o.logger.Debug("monitor detectors evaluated",
				requestField(ctx),
				zap.String("direction", string(direction)),
				zap.Int("errors", len(errs)))
		}
	}()
}

// record hands the audit event to the pool; the response never waits for it.
func (o *Orchestrator) record(ctx context.Context, event types.AuditEvent) {
	if o.audit == nil {
		return
	}
	if id, ok := types.RequestID(ctx); ok {
		event.RequestID = id
	}
	if subject, ok := types.Subject(ctx); ok {
		event.Subject = subject
	}
	event.CreatedAt = time.Now().UTC()

	sink := o.audit
	if !o.track() {
		o.logger.Debug("orchestrator closed, audit event skipped", zap.String("request_id", event.RequestID))
		return
	}
	err := o.pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := sink.Record(ctx, event); err != nil {
			o.logger.Warn("audit event not recorded", zap.String("request_id", event.RequestID), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		o.background.Done()
		o.logger.Warn("audit event dropped", zap.String("request_id", event.RequestID), zap.Error(err))
	}
}

// track registers one background task unless Close has started.
func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.background.Add(1)
	return true
}

// refusal itemizes every trigger of a violation.
func refusal(kind string, v types.ModerationVerdict) Warning {
	var b strings.Builder
	switch kind {
	case WarningUnsuitableInput:
		b.WriteString("Unsuitable input detected. Please check the detected entities on your input and try again with the unsuitable input removed.")
	default:
		b.WriteString("Unsuitable output detected. The generated response was withheld.")
	}
	for _, d := range v.TriggeredDetections {
		fmt.Fprintf(&b, " [%s] %s score=%.2f text=%q span=%d:%d.",
			d.DetectorID, d.DetectionType, d.Score, d.Text, d.Start, d.End)
	}
	return Warning{Type: kind, Message: b.String()}
}

func aborted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "request deadline exceeded before aggregation").
			WithCause(err).
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true)
	}
	return types.NewError(types.ErrServiceUnavailable, "request cancelled before aggregation").
		WithCause(err).
		WithHTTPStatus(http.StatusServiceUnavailable)
}

func requestField(ctx context.Context) zap.Field {
	id, _ := types.RequestID(ctx)
	return zap.String("request_id", id)
}
