package guardrails

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/guardflow/llm/moderation"
	"github.com/BaSui01/guardflow/types"
)

const defaultClassifierName = "default"

// ClassificationDetector reports the highest-scoring label of a sequence
// classifier. The span covers the whole chunk.
type ClassificationDetector struct {
	id            string
	classifier    moderation.Classifier
	detectionType string
	labels        map[string]bool
	safeLabels    map[string]bool
}

// NewClassificationDetector wraps classifier. params:
//   - labels: only these labels can fire
//   - safe_labels: labels that never fire (e.g. "LABEL_0", "safe")
//   - detection_type: defaults to "sequence_classification"
func NewClassificationDetector(id string, classifier moderation.Classifier, params types.Params) (*ClassificationDetector, error) {
	if classifier == nil {
		return nil, types.NewConfigurationError("detector %s: no classifier backend", id)
	}
	labels, err := params.Strings("labels")
	if err != nil {
		return nil, err
	}
	safe, err := params.Strings("safe_labels")
	if err != nil {
		return nil, err
	}
	detectionType, err := params.String("detection_type", "sequence_classification")
	if err != nil {
		return nil, err
	}
	return &ClassificationDetector{
		id:            id,
		classifier:    classifier,
		detectionType: detectionType,
		labels:        toSet(labels),
		safeLabels:    toSet(safe),
	}, nil
}

func (b *Builder) buildClassification(cfg types.DetectorConfig, p types.Params) (Detector, error) {
	url, err := p.String("url", "")
	if err != nil {
		return nil, err
	}
	if url != "" {
		backend, err := p.String("backend", string(moderation.BackendTextClassification))
		if err != nil {
			return nil, err
		}
		model, _ := p.String("model", "")
		token, _ := p.String("token", "")
		classifier, err := moderation.New(moderation.Config{
			Backend: moderation.Backend(backend),
			BaseURL: url,
			APIKey:  token,
			Model:   model,
			Timeout: b.deps.HTTPTimeout,
		}, b.Guard(url), b.deps.Logger)
		if err != nil {
			return nil, types.NewConfigurationError("detector %s: %v", cfg.ID, err)
		}
		return asDetector(NewClassificationDetector(cfg.ID, classifier, p))
	}

	name, err := p.String("backend", defaultClassifierName)
	if err != nil {
		return nil, err
	}
	classifier, ok := b.deps.Classifiers[name]
	if !ok {
		return nil, types.NewConfigurationError("detector %s: classifier backend %q is not configured", cfg.ID, name)
	}
	return asDetector(NewClassificationDetector(cfg.ID, classifier, p))
}

func (d *ClassificationDetector) ID() string               { return d.id }
func (d *ClassificationDetector) Kind() types.DetectorKind { return types.DetectorKindClassification }

// Evaluate classifies the chunk and returns at most one result.
func (d *ClassificationDetector) Evaluate(ctx context.Context, chunk types.Chunk) ([]types.DetectionResult, error) {
	if strings.TrimSpace(chunk.Text) == "" {
		return nil, nil
	}
	scores, err := d.classifier.Classify(ctx, chunk.Text)
	if err != nil {
		if ctx.Err() != nil || types.GetErrorCode(err) != "" {
			return nil, err
		}
		return nil, types.NewDetectorUnavailableError(d.id, fmt.Errorf("%s: %w", d.classifier.Name(), err))
	}

	for _, s := range moderation.SortByScore(scores) {
		if d.safeLabels[s.Label] {
			continue
		}
		if len(d.labels) > 0 && !d.labels[s.Label] {
			continue
		}
		res := wholeChunk(chunk, d.id, s.Label, d.detectionType, chunk.Text, s.Score)
		res.Evidence = map[string]any{"classifier": d.classifier.Name()}
		return []types.DetectionResult{res}, nil
	}
	return nil, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
