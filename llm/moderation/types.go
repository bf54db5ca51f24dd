// Package moderation provides the scoring backends behind classification
// detectors.
package moderation

import (
	"context"
	"sort"
)

// LabelScore is one label's probability for a text.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier scores a text against a label set.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string) ([]LabelScore, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) ([]LabelScore, error)

func (f ClassifierFunc) Name() string { return "func" }

func (f ClassifierFunc) Classify(ctx context.Context, text string) ([]LabelScore, error) {
	return f(ctx, text)
}

// SortByScore orders scores descending; ties keep label order.
func SortByScore(scores []LabelScore) []LabelScore {
	out := append([]LabelScore(nil), scores...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	return out
}
