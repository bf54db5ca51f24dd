package guardrails

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/llm/moderation"
	"github.com/BaSui01/guardflow/types"
)

// Detector scores one chunk for one concern. Implementations return
// results with absolute offsets and never mutate shared state, so the same
// Detector is evaluated concurrently across chunks and requests.
type Detector interface {
	// ID 返回注册时的检测器 ID
	ID() string
	// Kind 返回检测器类型
	Kind() types.DetectorKind
	// Evaluate 评估单个 chunk；无检测结果表示该 chunk 通过
	Evaluate(ctx context.Context, chunk types.Chunk) ([]types.DetectionResult, error)
}

// JudgeCache stores self-reflection answers. Get returns an error (any
// error is treated as a miss) when the key is absent.
type JudgeCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Dependencies are the shared backends detectors are built against.
type Dependencies struct {
	// Judge is the default self-reflection model. Detectors that set their
	// own url/model get a dedicated provider.
	Judge llm.Provider
	// JudgeCache is optional.
	JudgeCache    JudgeCache
	JudgeCacheTTL time.Duration
	// Classifiers maps backend names referenced by classification detectors.
	Classifiers map[string]moderation.Classifier

	Breaker     resilience.BreakerConfig
	Retry       resilience.RetryPolicy
	HTTPTimeout time.Duration
	// OnGuard is called once for every newly created backend guard.
	OnGuard func(key string, g *resilience.Guard)
	Logger  *zap.Logger
}

// Builder turns DetectorConfig entries into Detectors. Backend guards are
// shared by URL so rebuilt detectors (per-request params) keep the same
// circuit breaker state.
type Builder struct {
	deps Dependencies

	mu     sync.Mutex
	guards map[string]*resilience.Guard
}

// NewBuilder creates a Builder.
func NewBuilder(deps Dependencies) *Builder {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.HTTPTimeout <= 0 {
		deps.HTTPTimeout = 30 * time.Second
	}
	if deps.JudgeCacheTTL <= 0 {
		deps.JudgeCacheTTL = time.Hour
	}
	return &Builder{deps: deps, guards: make(map[string]*resilience.Guard)}
}

// Build validates cfg and constructs the matching detector variant.
func (b *Builder) Build(cfg types.DetectorConfig) (Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := types.Params(cfg.Params)

	var (
		d   Detector
		err error
	)
	switch cfg.Kind {
	case types.DetectorKindRegex:
		d, err = asDetector(NewRegexDetector(cfg.ID, p))
	case types.DetectorKindClassification:
		d, err = b.buildClassification(cfg, p)
	case types.DetectorKindStructural:
		d, err = asDetector(NewStructuralDetector(cfg.ID, p))
	case types.DetectorKindSelfReflection:
		d, err = b.buildSelfReflection(cfg, p)
	case types.DetectorKindRule:
		d, err = asDetector(NewRuleDetector(cfg.ID, p))
	case types.DetectorKindRemote:
		d, err = b.buildRemote(cfg, p)
	default:
		err = types.NewConfigurationError("detector %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// asDetector 避免把 typed nil 指针装进接口
func asDetector[T Detector](d T, err error) (Detector, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Guard returns the shared guard for a backend key.
func (b *Builder) Guard(key string) *resilience.Guard {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.guards[key]
	if !ok {
		g = resilience.NewGuard(key, b.deps.Breaker, b.deps.Retry, b.deps.Logger)
		b.guards[key] = g
		if b.deps.OnGuard != nil {
			b.deps.OnGuard(key, g)
		}
	}
	return g
}

// Guards returns a snapshot of all backend guards, for health reporting.
func (b *Builder) Guards() map[string]*resilience.Guard {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*resilience.Guard, len(b.guards))
	for k, g := range b.guards {
		out[k] = g
	}
	return out
}

// wholeChunk 构造覆盖整个 chunk 的检测结果
func wholeChunk(chunk types.Chunk, detectorID, detection, detectionType, text string, score float64) types.DetectionResult {
	return types.DetectionResult{
		Start:         chunk.Start,
		End:           chunk.End,
		Text:          text,
		Detection:     detection,
		DetectionType: detectionType,
		DetectorID:    detectorID,
		Score:         score,
	}
}
