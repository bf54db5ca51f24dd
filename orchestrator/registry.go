package orchestrator

import (
	"errors"
	"sort"

	"github.com/BaSui01/guardflow/chunking"
	"github.com/BaSui01/guardflow/guardrails"
	"github.com/BaSui01/guardflow/types"
)

// Selection maps detector ids to per-request params. Allowed params are
// merged over the registered params; an empty map uses the detector as
// registered.
type Selection map[string]map[string]any

// IDs returns the selected detector ids in sorted order.
func (s Selection) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type registration struct {
	cfg      types.DetectorConfig
	detector guardrails.Detector
	splitter chunking.Splitter
	index    int
}

// Registry holds every configured detector. It is built once at startup and
// is read-only afterwards, so it is shared by all requests without locking.
type Registry struct {
	builder *guardrails.Builder
	entries []*registration
	byID    map[string]*registration
}

// NewRegistry builds every detector and compiles its chunking strategy.
// All configuration problems are reported together.
func NewRegistry(configs []types.DetectorConfig, builder *guardrails.Builder, defaults types.ChunkerConfig) (*Registry, error) {
	if builder == nil {
		builder = guardrails.NewBuilder(guardrails.Dependencies{})
	}
	r := &Registry{
		builder: builder,
		entries: make([]*registration, 0, len(configs)),
		byID:    make(map[string]*registration, len(configs)),
	}

	var errs []error
	for i, cfg := range configs {
		if _, dup := r.byID[cfg.ID]; dup {
			errs = append(errs, types.NewConfigurationError("duplicate detector id %q", cfg.ID))
			continue
		}
		d, err := builder.Build(cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		splitter, err := compileChunker(cfg, defaults)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reg := &registration{cfg: cfg, detector: d, splitter: splitter, index: i}
		r.entries = append(r.entries, reg)
		r.byID[cfg.ID] = reg
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// compileChunker 检测器自带分块配置优先；结构化检测器默认整篇校验
func compileChunker(cfg types.DetectorConfig, defaults types.ChunkerConfig) (chunking.Splitter, error) {
	switch {
	case cfg.Chunker != nil:
		return chunking.Compile(cfg.Chunker.Strategy, cfg.Chunker.Params)
	case cfg.Kind == types.DetectorKindStructural:
		return chunking.Compile(string(chunking.StrategyWholeDocument), nil)
	default:
		return chunking.Compile(defaults.Strategy, defaults.Params)
	}
}

// Len returns the number of registered detectors.
func (r *Registry) Len() int { return len(r.entries) }

// Configs returns the registered configs in registration order.
func (r *Registry) Configs() []types.DetectorConfig {
	out := make([]types.DetectorConfig, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.cfg
	}
	return out
}

// Config returns the registered config for id.
func (r *Registry) Config(id string) (types.DetectorConfig, bool) {
	e, ok := r.byID[id]
	if !ok {
		return types.DetectorConfig{}, false
	}
	return e.cfg, true
}

// ChunkStrategy returns the chunking strategy compiled for id.
func (r *Registry) ChunkStrategy(id string) (chunking.Strategy, bool) {
	e, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return e.splitter.Strategy(), true
}

// Builder returns the builder the registry was created with.
func (r *Registry) Builder() *guardrails.Builder { return r.builder }

// selected is one detector resolved for a request.
type selected struct {
	cfg      types.DetectorConfig
	detector guardrails.Detector
	splitter chunking.Splitter
	index    int
}

// resolve validates a selection before any chunking happens. Request params
// are limited to guardrails.RequestParams for the detector kind; detectors
// with request params are rebuilt from the merged config and the registry
// itself is never modified. The result is ordered by registration index.
func (r *Registry) resolve(sel Selection) ([]selected, error) {
	out := make([]selected, 0, len(sel))
	var errs []error
	for _, id := range sel.IDs() {
		e, ok := r.byID[id]
		if !ok {
			errs = append(errs, types.NewConfigurationError("unknown detector %q", id))
			continue
		}
		s := selected{cfg: e.cfg, detector: e.detector, splitter: e.splitter, index: e.index}
		if params := sel[id]; len(params) > 0 {
			if err := guardrails.CheckRequestParams(e.cfg, params); err != nil {
				errs = append(errs, err)
				continue
			}
			cfg := e.cfg
			cfg.Params = types.MergeParams(e.cfg.Params, params)
			d, err := r.builder.Build(cfg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.cfg, s.detector = cfg, d
		}
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, configurationErrors(errs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

// configurationErrors 合并多个配置错误，保持 ConfigurationError 语义
func configurationErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return types.NewConfigurationError("%d detector selections are invalid", len(errs)).
		WithCause(errors.Join(errs...))
}

// split separates blocking from monitor-mode detectors.
func split(all []selected) (blocking, monitor []selected) {
	for _, s := range all {
		if s.cfg.IsMonitor() {
			monitor = append(monitor, s)
		} else {
			blocking = append(blocking, s)
		}
	}
	return blocking, monitor
}

func detectorIDs(sel []selected) []string {
	ids := make([]string, len(sel))
	for i, s := range sel {
		ids[i] = s.cfg.ID
	}
	return ids
}
