package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/types"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateChunked, true},
		{StateDetecting, StateAggregatedBlock, true},
		{StateAggregatedPass, StateGenerating, true},
		{StateAggregatedBlock, StateGenerating, false},
		{StateAggregatedBlock, StateFinalBlock, true},
		{StateOutputCheck, StateFinalPass, true},
		{StateReceived, StateDetecting, false},
		{StateFinalPass, StateReceived, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StateFinalBlock.IsTerminal())
	assert.False(t, StateGenerating.IsTerminal())
}

func TestLifecycle(t *testing.T) {
	lc := newLifecycle(context.Background(), nil, zap.NewNop())
	require.NoError(t, lc.path(StateChunked, StateDetecting, StateAggregatedBlock))

	err := lc.advance(StateGenerating)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
	assert.Equal(t, StateAggregatedBlock, lc.current())

	require.NoError(t, lc.advance(StateFinalBlock))
	trail := lc.trail()
	assert.Equal(t, []State{StateReceived, StateChunked, StateDetecting, StateAggregatedBlock, StateFinalBlock}, trail)

	trail[0] = StateFinalPass
	assert.Equal(t, StateReceived, lc.trail()[0])
}
