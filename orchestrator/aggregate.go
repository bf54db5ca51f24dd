package orchestrator

import (
	"sort"

	"github.com/BaSui01/guardflow/types"
)

// Aggregate flattens per-detector results into one sequence ordered by
// start offset, then by detector registration order. order lists detector
// ids in registration order; ids missing from it sort last. Overlapping
// detections are all retained, within and across detectors.
func Aggregate(perDetector map[string][]types.DetectionResult, order []string) []types.DetectionResult {
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	ids := make([]string, 0, len(perDetector))
	for id := range perDetector {
		ids = append(ids, id)
	}
	// 先按注册顺序展开，稳定排序后同 start 的结果保持该顺序
	sort.SliceStable(ids, func(i, j int) bool {
		ri, iok := rank[ids[i]]
		rj, jok := rank[ids[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return ids[i] < ids[j]
		}
	})

	n := 0
	for _, rs := range perDetector {
		n += len(rs)
	}
	out := make([]types.DetectionResult, 0, n)
	for _, id := range ids {
		out = append(out, perDetector[id]...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
