package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/guardflow/types"
)

// PolicyKind 判定策略类型
type PolicyKind string

const (
	PolicyAny   PolicyKind = "any"   // 任一检测即违规
	PolicyAll   PolicyKind = "all"   // 所有被选检测器均有检测
	PolicyCount PolicyKind = "count" // 至少 k 个不同检测器有检测
)

// DecisionPolicy decides a verdict from aggregated detections.
type DecisionPolicy struct {
	Kind PolicyKind
	K    int
}

// ParseDecisionPolicy parses "any", "all" or "count>=k". The empty string
// means any.
func ParseDecisionPolicy(s string) (DecisionPolicy, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", string(PolicyAny):
		return DecisionPolicy{Kind: PolicyAny}, nil
	case string(PolicyAll):
		return DecisionPolicy{Kind: PolicyAll}, nil
	}
	rest, ok := strings.CutPrefix(s, "count>=")
	if !ok {
		return DecisionPolicy{}, types.NewConfigurationError("unknown decision policy %q, want any, all or count>=k", s)
	}
	k, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || k < 1 {
		return DecisionPolicy{}, types.NewConfigurationError("decision policy %q: k must be a positive integer", s)
	}
	return DecisionPolicy{Kind: PolicyCount, K: k}, nil
}

func (p DecisionPolicy) String() string {
	if p.Kind == PolicyCount {
		return fmt.Sprintf("count>=%d", p.K)
	}
	if p.Kind == "" {
		return string(PolicyAny)
	}
	return string(p.Kind)
}

// Decide produces the verdict for one direction. detectorIDs are the
// blocking detectors selected for the evaluation; the all policy needs
// every one of them to have fired. A violation carries every detection in
// aggregated order.
func (p DecisionPolicy) Decide(detections []types.DetectionResult, direction types.Direction, detectorIDs []string) types.ModerationVerdict {
	verdict := types.ModerationVerdict{
		Status:              types.VerdictPass,
		TriggeredDetections: []types.DetectionResult{},
		Direction:           direction,
	}
	if len(detections) == 0 {
		return verdict
	}

	fired := make(map[string]bool)
	for _, d := range detections {
		fired[d.DetectorID] = true
	}

	var violation bool
	switch p.Kind {
	case PolicyAll:
		violation = len(detectorIDs) > 0
		for _, id := range detectorIDs {
			if !fired[id] {
				violation = false
				break
			}
		}
	case PolicyCount:
		violation = len(fired) >= p.K
	default:
		violation = true
	}

	if violation {
		verdict.Status = types.VerdictViolation
		verdict.TriggeredDetections = detections
	}
	return verdict
}

// Decide applies the default any policy.
func Decide(detections []types.DetectionResult, direction types.Direction) types.ModerationVerdict {
	return DecisionPolicy{Kind: PolicyAny}.Decide(detections, direction, nil)
}
