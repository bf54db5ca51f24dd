package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/chunking"
	"github.com/BaSui01/guardflow/guardrails"
	"github.com/BaSui01/guardflow/testutil/mocks"
	"github.com/BaSui01/guardflow/types"
)

func piiConfig(id string, patterns ...any) types.DetectorConfig {
	return types.DetectorConfig{
		ID:     id,
		Kind:   types.DetectorKindRegex,
		Params: map[string]any{"patterns": patterns},
	}
}

func TestNewRegistry(t *testing.T) {
	builder := guardrails.NewBuilder(guardrails.Dependencies{})
	defaults := types.ChunkerConfig{Strategy: "sentence"}

	r, err := NewRegistry([]types.DetectorConfig{
		piiConfig("pii", "email"),
		{ID: "json", Kind: types.DetectorKindStructural, Params: map[string]any{"format": "json"}},
		{
			ID:      "windowed",
			Kind:    types.DetectorKindRegex,
			Params:  map[string]any{"patterns": []any{"ssn"}},
			Chunker: &types.ChunkerConfig{Strategy: "fixed_window", Params: map[string]any{"chunk_size": 10}},
		},
	}, builder, defaults)
	require.NoError(t, err)

	assert.Equal(t, 3, r.Len())
	assert.Same(t, builder, r.Builder())
	ids := make([]string, 0, r.Len())
	for _, c := range r.Configs() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"pii", "json", "windowed"}, ids)

	assert.Equal(t, chunking.StrategySentence, r.byID["pii"].splitter.Strategy())
	assert.Equal(t, chunking.StrategyWholeDocument, r.byID["json"].splitter.Strategy())
	assert.Equal(t, chunking.StrategyFixedWindow, r.byID["windowed"].splitter.Strategy())

	cfg, ok := r.Config("json")
	require.True(t, ok)
	assert.Equal(t, types.DetectorKindStructural, cfg.Kind)
	_, ok = r.Config("missing")
	assert.False(t, ok)
}

func TestNewRegistry_ReportsEveryProblem(t *testing.T) {
	_, err := NewRegistry([]types.DetectorConfig{
		piiConfig("pii", "email"),
		piiConfig("pii", "ssn"),
		{ID: "json", Kind: types.DetectorKindStructural},
		{ID: "bad-chunker", Kind: types.DetectorKindRegex, Params: map[string]any{"patterns": []any{"email"}},
			Chunker: &types.ChunkerConfig{Strategy: "paragraph"}},
	}, nil, types.ChunkerConfig{Strategy: "sentence"})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, `duplicate detector id "pii"`)
	assert.Contains(t, msg, "format is required")
	assert.Contains(t, msg, "paragraph")
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := NewRegistry([]types.DetectorConfig{
		piiConfig("first", "email"),
		piiConfig("second", "email"),
	}, nil, types.ChunkerConfig{Strategy: "sentence"})
	require.NoError(t, err)

	t.Run("ordered by registration", func(t *testing.T) {
		sel, err := r.resolve(Selection{"second": nil, "first": nil})
		require.NoError(t, err)
		require.Len(t, sel, 2)
		assert.Equal(t, "first", sel[0].cfg.ID)
		assert.Equal(t, "second", sel[1].cfg.ID)
	})

	t.Run("unknown ids are configuration errors", func(t *testing.T) {
		_, err := r.resolve(Selection{"first": nil, "x": nil, "y": nil})
		require.Error(t, err)
		assert.True(t, types.IsConfigurationError(err))
		assert.Contains(t, err.Error(), "2 detector selections are invalid")
	})

	t.Run("request params rebuild the detector", func(t *testing.T) {
		sel, err := r.resolve(Selection{"first": {"patterns": []any{"ssn"}}})
		require.NoError(t, err)
		require.Len(t, sel, 1)
		assert.NotSame(t, r.byID["first"].detector, sel[0].detector)

		chunk := types.Chunk{Span: types.Span{Text: "mail me at a@b.io", Start: 0, End: 17}}
		got, err := sel[0].detector.Evaluate(context.Background(), chunk)
		require.NoError(t, err)
		assert.Empty(t, got)

		// 注册表本身不被修改
		got, err = r.byID["first"].detector.Evaluate(context.Background(), chunk)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("invalid request params", func(t *testing.T) {
		_, err := r.resolve(Selection{"first": {"patterns": []any{"no_such_builtin"}}})
		assert.Error(t, err)
	})
}

func TestRegistry_ResolveRejectsBackendOverrides(t *testing.T) {
	var strayCalls atomic.Int32
	stray := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		strayCalls.Add(1)
		_, _ = w.Write([]byte(`[[]]`))
	}))
	defer stray.Close()

	var auth atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[[]]`))
	}))
	defer upstream.Close()

	builder := guardrails.NewBuilder(guardrails.Dependencies{Judge: mocks.NewMockProvider().WithResponse("NO")})
	r, err := NewRegistry([]types.DetectorConfig{
		{ID: "remote", Kind: types.DetectorKindRemote, Params: map[string]any{
			"url": upstream.URL, "token": "secret-token",
		}},
		{ID: "sr", Kind: types.DetectorKindSelfReflection},
		{ID: "rule", Kind: types.DetectorKindRule, Params: map[string]any{"expr": "length > 1000"}},
	}, builder, types.ChunkerConfig{Strategy: "sentence"})
	require.NoError(t, err)
	guards := len(builder.Guards())

	for _, id := range []string{"remote", "sr"} {
		for _, key := range []string{"url", "token", "api_key", "headers", "ca_file", "insecure_skip_verify", "model", "detector_id"} {
			_, err := r.resolve(Selection{id: {key: stray.URL}})
			require.Error(t, err, "%s/%s", id, key)
			assert.True(t, types.IsConfigurationError(err))
			assert.ErrorContains(t, err, key)
		}
	}
	_, err = r.resolve(Selection{"rule": {"expr": "true"}})
	assert.ErrorContains(t, err, "cannot be set per request")
	assert.Len(t, builder.Guards(), guards)

	// 允许的参数仍然生效，请求发往注册的后端
	sel, err := r.resolve(Selection{"remote": {"detector_params": map[string]any{"mode": "strict"}}})
	require.NoError(t, err)
	_, err = sel[0].detector.Evaluate(context.Background(), types.Chunk{Span: types.Span{Text: "hi", End: 2}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", auth.Load())
	assert.Zero(t, strayCalls.Load())
	assert.Len(t, builder.Guards(), guards)
}

func TestSelection_IDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Selection{"c": nil, "a": nil, "b": {}}.IDs())
	assert.Empty(t, Selection(nil).IDs())
}

func TestSplit_SeparatesMonitors(t *testing.T) {
	all := []selected{
		{cfg: types.DetectorConfig{ID: "a"}},
		{cfg: types.DetectorConfig{ID: "b", Mode: types.DetectorModeMonitor}},
		{cfg: types.DetectorConfig{ID: "c", Mode: types.DetectorModeBlocking}},
	}
	blocking, monitor := split(all)
	assert.Equal(t, []string{"a", "c"}, detectorIDs(blocking))
	assert.Equal(t, []string{"b"}, detectorIDs(monitor))
}

func TestRegistry_ChunkStrategy(t *testing.T) {
	r, err := NewRegistry([]types.DetectorConfig{piiConfig("pii", "email")}, nil,
		types.ChunkerConfig{Strategy: "recursive_window"})
	require.NoError(t, err)

	s, ok := r.ChunkStrategy("pii")
	require.True(t, ok)
	assert.Equal(t, chunking.StrategyRecursiveWindow, s)
	_, ok = r.ChunkStrategy("missing")
	assert.False(t, ok)
}
