package types

import (
	"fmt"
	"time"
)

// Span is a contiguous substring of the source text. Start and End are byte
// offsets with 0 <= Start <= End <= len(source).
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Len returns the byte length of the span.
func (s Span) Len() int { return s.End - s.Start }

// Chunk is a Span tagged with its sequence index inside the parent document.
type Chunk struct {
	Span
	Index int `json:"index"`
}

// DetectionResult is one detector's finding on one chunk. Offsets are
// absolute within the evaluated content.
type DetectionResult struct {
	Start         int            `json:"start"`
	End           int            `json:"end"`
	Text          string         `json:"text"`
	Detection     string         `json:"detection"`
	DetectionType string         `json:"detection_type"`
	DetectorID    string         `json:"detector_id"`
	Score         float64        `json:"score"`
	Evidence      map[string]any `json:"evidence,omitempty"`
}

// Direction identifies which side of a generation call is being moderated.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// VerdictStatus is the outcome of evaluating one direction.
type VerdictStatus string

const (
	VerdictPass      VerdictStatus = "pass"
	VerdictViolation VerdictStatus = "violation"
)

// ModerationVerdict is created once per evaluated chunk set.
type ModerationVerdict struct {
	Status              VerdictStatus     `json:"status"`
	TriggeredDetections []DetectionResult `json:"triggered_detections"`
	Direction           Direction         `json:"direction"`
}

// Blocked reports whether the verdict is a violation.
func (v ModerationVerdict) Blocked() bool {
	return v.Status == VerdictViolation
}

// DetectorKind selects the detector variant built from a DetectorConfig.
type DetectorKind string

const (
	DetectorKindRegex          DetectorKind = "regex"
	DetectorKindClassification DetectorKind = "classification"
	DetectorKindStructural     DetectorKind = "structural"
	DetectorKindSelfReflection DetectorKind = "self_reflection"
	DetectorKindRule           DetectorKind = "rule"
	DetectorKindRemote         DetectorKind = "remote"
)

// DetectorMode controls whether a detector can block a request.
type DetectorMode string

const (
	DetectorModeBlocking DetectorMode = "blocking"
	// DetectorModeMonitor detectors only feed metrics and never affect a verdict.
	DetectorModeMonitor DetectorMode = "monitor"
)

// ChunkerConfig selects a chunking strategy and its params.
type ChunkerConfig struct {
	Strategy string         `yaml:"strategy" json:"strategy"`
	Params   map[string]any `yaml:"params" json:"params,omitempty"`
}

// DetectorConfig is loaded at startup and immutable afterwards.
type DetectorConfig struct {
	ID        string         `yaml:"id" json:"id"`
	Kind      DetectorKind   `yaml:"kind" json:"kind"`
	Threshold float64        `yaml:"threshold" json:"threshold"`
	Params    map[string]any `yaml:"params" json:"params,omitempty"`
	Chunker   *ChunkerConfig `yaml:"chunker" json:"chunker,omitempty"`
	Mode      DetectorMode   `yaml:"mode" json:"mode,omitempty"`
	Timeout   time.Duration  `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the fields every detector kind shares.
func (c DetectorConfig) Validate() error {
	if c.ID == "" {
		return NewConfigurationError("detector id is required")
	}
	switch c.Kind {
	case DetectorKindRegex, DetectorKindClassification, DetectorKindStructural,
		DetectorKindSelfReflection, DetectorKindRule, DetectorKindRemote:
	default:
		return NewConfigurationError("detector %s: unknown kind %q", c.ID, c.Kind)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return NewConfigurationError("detector %s: threshold %v outside [0,1]", c.ID, c.Threshold)
	}
	switch c.Mode {
	case "", DetectorModeBlocking, DetectorModeMonitor:
	default:
		return NewConfigurationError("detector %s: unknown mode %q", c.ID, c.Mode)
	}
	if c.Timeout < 0 {
		return NewConfigurationError("detector %s: negative timeout", c.ID)
	}
	return nil
}

// IsMonitor reports whether the detector runs in monitor mode.
func (c DetectorConfig) IsMonitor() bool {
	return c.Mode == DetectorModeMonitor
}

// MergeParams returns a copy of base with override applied on top.
func MergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// String renders a detection for logs and refusal messages.
func (d DetectionResult) String() string {
	return fmt.Sprintf("%s/%s score=%.2f [%d:%d] %q", d.DetectorID, d.DetectionType, d.Score, d.Start, d.End, d.Text)
}
