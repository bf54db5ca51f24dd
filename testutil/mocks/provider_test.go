package mocks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/guardflow/llm"
)

func ask(t *testing.T, p *MockProvider, prompt string) (*llm.ChatResponse, error) {
	t.Helper()
	return p.Completion(context.Background(), &llm.ChatRequest{
		Model:    "judge",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
}

func TestMockProvider_ScriptLastReplyRepeats(t *testing.T) {
	refused := errors.New("connection refused")
	p := NewMockProvider().WithResponse("YES").ThenError(refused).Then("NO")

	resp, err := ask(t, p, "a")
	require.NoError(t, err)
	assert.Equal(t, "YES", resp.FirstContent())
	assert.Equal(t, "judge", resp.Model)

	_, err = ask(t, p, "b")
	assert.ErrorIs(t, err, refused)

	for _, prompt := range []string{"c", "d"} {
		resp, err = ask(t, p, prompt)
		require.NoError(t, err)
		assert.Equal(t, "NO", resp.FirstContent())
	}

	assert.Equal(t, 4, p.CallCount())
	assert.Equal(t, "d", p.LastRequest().Messages[0].Content)
	assert.Len(t, p.Requests(), 4)
}

func TestMockProvider_Defaults(t *testing.T) {
	p := NewMockProvider()
	assert.Nil(t, p.LastRequest())
	assert.Equal(t, "mock", p.Name())

	resp, err := ask(t, p.WithName("stub"), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Mock response", resp.FirstContent())
	assert.Equal(t, "stub", resp.Provider)
	assert.Equal(t, 30, resp.Usage.TotalTokens)

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestMockProvider_DelayHonoursContext(t *testing.T) {
	p := NewMockProvider().WithDelay(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Completion(ctx, &llm.ChatRequest{Model: "m"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.CallCount())
}

func TestMockProvider_CompletionFuncWins(t *testing.T) {
	p := NewMockProvider().WithError(errors.New("unused")).
		WithCompletionFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			return &llm.ChatResponse{Model: req.Model}, nil
		})

	resp, err := ask(t, p, "x")
	require.NoError(t, err)
	assert.Equal(t, "judge", resp.Model)
}
