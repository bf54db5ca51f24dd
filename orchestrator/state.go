package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/types"
)

// State is a request lifecycle state.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateChunked         State = "CHUNKED"
	StateDetecting       State = "DETECTING"
	StateAggregatedPass  State = "AGGREGATED_PASS"
	StateAggregatedBlock State = "AGGREGATED_BLOCK"
	StateGenerating      State = "GENERATING"
	StateOutputCheck     State = "OUTPUT_CHECK"
	StateFinalPass       State = "FINAL_PASS"
	StateFinalBlock      State = "FINAL_BLOCK"
)

// 合法状态转换；输入被拦截的请求永远不会进入 GENERATING
var transitions = map[State][]State{
	StateReceived:        {StateChunked},
	StateChunked:         {StateDetecting},
	StateDetecting:       {StateAggregatedPass, StateAggregatedBlock},
	StateAggregatedPass:  {StateGenerating},
	StateAggregatedBlock: {StateFinalBlock},
	StateGenerating:      {StateOutputCheck},
	StateOutputCheck:     {StateFinalPass, StateFinalBlock},
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateFinalPass || s == StateFinalBlock
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// lifecycle tracks one request. It is owned by a single goroutine.
type lifecycle struct {
	state   State
	history []State
	span    trace.Span
	metrics *metrics.Collector
	logger  *zap.Logger
}

func newLifecycle(ctx context.Context, m *metrics.Collector, logger *zap.Logger) *lifecycle {
	return &lifecycle{
		state:   StateReceived,
		history: []State{StateReceived},
		span:    trace.SpanFromContext(ctx),
		metrics: m,
		logger:  logger,
	}
}

// advance moves to the next state. An illegal transition is a programming
// error and leaves the state unchanged.
func (l *lifecycle) advance(to State) error {
	from := l.state
	if !CanTransition(from, to) {
		return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	l.state = to
	l.history = append(l.history, to)
	l.metrics.RecordStateTransition(string(from), string(to))
	l.span.AddEvent("state", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	l.logger.Debug("request state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// path advances through several states in order.
func (l *lifecycle) path(states ...State) error {
	for _, s := range states {
		if err := l.advance(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *lifecycle) current() State { return l.state }

func (l *lifecycle) trail() []State {
	out := make([]State, len(l.history))
	copy(out, l.history)
	return out
}
