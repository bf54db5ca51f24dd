package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/types"
)

func TestParseDecisionPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DecisionPolicy
		wantErr bool
	}{
		{in: "", want: DecisionPolicy{Kind: PolicyAny}},
		{in: "any", want: DecisionPolicy{Kind: PolicyAny}},
		{in: " all ", want: DecisionPolicy{Kind: PolicyAll}},
		{in: "count>=2", want: DecisionPolicy{Kind: PolicyCount, K: 2}},
		{in: "count>= 3", want: DecisionPolicy{Kind: PolicyCount, K: 3}},
		{in: "count>=0", wantErr: true},
		{in: "count>=x", wantErr: true},
		{in: "majority", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDecisionPolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecisionPolicy_String(t *testing.T) {
	assert.Equal(t, "any", DecisionPolicy{}.String())
	assert.Equal(t, "all", DecisionPolicy{Kind: PolicyAll}.String())
	assert.Equal(t, "count>=2", DecisionPolicy{Kind: PolicyCount, K: 2}.String())
}

func TestDecisionPolicy_Decide(t *testing.T) {
	ab := []types.DetectionResult{det("a", 0, 1), det("a", 3, 4), det("b", 5, 6)}
	selectedIDs := []string{"a", "b", "c"}

	tests := []struct {
		name       string
		policy     DecisionPolicy
		detections []types.DetectionResult
		ids        []string
		want       types.VerdictStatus
	}{
		{name: "any with none", policy: DecisionPolicy{Kind: PolicyAny}, want: types.VerdictPass},
		{name: "any with one", policy: DecisionPolicy{Kind: PolicyAny}, detections: ab[:1], want: types.VerdictViolation},
		{name: "all missing c", policy: DecisionPolicy{Kind: PolicyAll}, detections: ab, ids: selectedIDs, want: types.VerdictPass},
		{name: "all satisfied", policy: DecisionPolicy{Kind: PolicyAll}, detections: ab, ids: []string{"a", "b"}, want: types.VerdictViolation},
		{name: "all without ids", policy: DecisionPolicy{Kind: PolicyAll}, detections: ab, want: types.VerdictPass},
		{name: "count distinct detectors", policy: DecisionPolicy{Kind: PolicyCount, K: 2}, detections: ab, want: types.VerdictViolation},
		{name: "count ignores repeats", policy: DecisionPolicy{Kind: PolicyCount, K: 2}, detections: ab[:2], want: types.VerdictPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.policy.Decide(tt.detections, types.DirectionOutput, tt.ids)
			assert.Equal(t, tt.want, v.Status)
			assert.Equal(t, types.DirectionOutput, v.Direction)
			if tt.want == types.VerdictViolation {
				assert.Equal(t, tt.detections, v.TriggeredDetections)
			} else {
				assert.NotNil(t, v.TriggeredDetections)
				assert.Empty(t, v.TriggeredDetections)
			}
		})
	}
}

func TestDecide_AnyPolicy(t *testing.T) {
	v := Decide([]types.DetectionResult{det("a", 0, 1)}, types.DirectionInput)
	assert.True(t, v.Blocked())
	assert.False(t, Decide(nil, types.DirectionInput).Blocked())
}
