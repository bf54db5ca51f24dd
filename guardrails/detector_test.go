package guardrails

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/internal/resilience"
	"github.com/BaSui01/guardflow/llm/moderation"
	"github.com/BaSui01/guardflow/testutil/mocks"
	"github.com/BaSui01/guardflow/types"
)

func newTestBuilder() *Builder {
	return NewBuilder(Dependencies{
		Judge: mocks.NewMockProvider().WithResponse("NO"),
		Classifiers: map[string]moderation.Classifier{
			"default": staticClassifier(moderation.LabelScore{Label: "toxic", Score: 0.9}),
		},
		Breaker: resilience.DefaultBreakerConfig(),
		Retry:   resilience.DefaultRetryPolicy(),
	})
}

func TestBuilder_BuildsEveryKind(t *testing.T) {
	b := newTestBuilder()
	cases := []types.DetectorConfig{
		{ID: "regex", Kind: types.DetectorKindRegex},
		{ID: "clf", Kind: types.DetectorKindClassification, Threshold: 0.5},
		{ID: "json", Kind: types.DetectorKindStructural, Params: map[string]any{"format": "json"}},
		{ID: "judge", Kind: types.DetectorKindSelfReflection},
		{ID: "rule", Kind: types.DetectorKindRule, Params: map[string]any{"expr": "length > 3"}},
		{ID: "remote", Kind: types.DetectorKindRemote, Params: map[string]any{"url": "http://detector:8000"}},
	}
	for _, cfg := range cases {
		t.Run(cfg.ID, func(t *testing.T) {
			d, err := b.Build(cfg)
			require.NoError(t, err)
			assert.Equal(t, cfg.ID, d.ID())
			assert.Equal(t, cfg.Kind, d.Kind())
		})
	}
}

func TestBuilder_ConfigurationErrorsReturnNilDetector(t *testing.T) {
	b := newTestBuilder()
	cases := []types.DetectorConfig{
		{ID: "", Kind: types.DetectorKindRegex},
		{ID: "x", Kind: "magic"},
		{ID: "x", Kind: types.DetectorKindRegex, Threshold: 1.5},
		{ID: "x", Kind: types.DetectorKindClassification, Params: map[string]any{"backend": "missing"}},
		{ID: "x", Kind: types.DetectorKindRule},
		{ID: "x", Kind: types.DetectorKindRemote},
	}
	for _, cfg := range cases {
		d, err := b.Build(cfg)
		assert.Nil(t, d)
		assert.True(t, types.IsConfigurationError(err), "%+v: %v", cfg, err)
	}
}

func TestBuilder_SelfReflectionWithoutJudge(t *testing.T) {
	b := NewBuilder(Dependencies{})
	_, err := b.Build(types.DetectorConfig{ID: "judge", Kind: types.DetectorKindSelfReflection})
	assert.True(t, types.IsConfigurationError(err))

	// 自带 url 时不依赖默认评审模型
	d, err := b.Build(types.DetectorConfig{ID: "judge", Kind: types.DetectorKindSelfReflection,
		Params: map[string]any{"url": "http://phi4-predictor:8080", "model": "phi4"}})
	require.NoError(t, err)
	assert.Equal(t, "judge", d.ID())
}

func TestBuilder_GuardsSharedPerBackend(t *testing.T) {
	b := newTestBuilder()

	first := b.Guard("http://detector:8000")
	assert.Same(t, first, b.Guard("http://detector:8000"))
	assert.NotSame(t, first, b.Guard("http://other:8000"))

	_, err := b.Build(types.DetectorConfig{ID: "remote", Kind: types.DetectorKindRemote,
		Params: map[string]any{"url": "http://detector:8000"}})
	require.NoError(t, err)
	assert.Len(t, b.Guards(), 2)
}

func TestBuilder_OnGuardFiresOncePerBackend(t *testing.T) {
	var keys []string
	b := NewBuilder(Dependencies{OnGuard: func(key string, g *resilience.Guard) {
		require.NotNil(t, g)
		keys = append(keys, key)
	}})

	b.Guard("http://detector:8000")
	b.Guard("http://detector:8000")
	b.Guard("http://other:8000")
	assert.Equal(t, []string{"http://detector:8000", "http://other:8000"}, keys)
}

func TestCheckRequestParams(t *testing.T) {
	tests := []struct {
		name    string
		kind    types.DetectorKind
		params  map[string]any
		wantErr string
	}{
		{name: "regex patterns", kind: types.DetectorKindRegex, params: map[string]any{"patterns": []any{"ssn"}}},
		{name: "remote detector_params", kind: types.DetectorKindRemote, params: map[string]any{"detector_params": map[string]any{"a": 1}}},
		{name: "self reflection pre-checks", kind: types.DetectorKindSelfReflection,
			params: map[string]any{"max_length": 10, "forbidden_words": []any{"x"}}},
		{name: "remote url", kind: types.DetectorKindRemote, params: map[string]any{"url": "http://elsewhere"},
			wantErr: "backend params cannot be set per request: url"},
		{name: "judge backend", kind: types.DetectorKindSelfReflection,
			params:  map[string]any{"url": "http://elsewhere", "model": "m", "insecure_skip_verify": true},
			wantErr: "insecure_skip_verify, model, url"},
		{name: "credentials on any kind", kind: types.DetectorKindRegex, params: map[string]any{"token": "t"},
			wantErr: "backend params"},
		{name: "rule expr", kind: types.DetectorKindRule, params: map[string]any{"expr": "true"},
			wantErr: "params expr cannot be set per request"},
		{name: "self reflection direction", kind: types.DetectorKindSelfReflection, params: map[string]any{"direction": "output"},
			wantErr: "allowed: policies, custom_policies, max_length, forbidden_words"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRequestParams(types.DetectorConfig{ID: "d", Kind: tt.kind}, tt.params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, types.IsConfigurationError(err))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestRequestParams_ReturnsCopy(t *testing.T) {
	p := RequestParams(types.DetectorKindRegex)
	p[0] = "url"
	assert.Equal(t, []string{"patterns"}, RequestParams(types.DetectorKindRegex))
	assert.Empty(t, RequestParams(types.DetectorKindRule))
}
