package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/api"
	"github.com/BaSui01/guardflow/config"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/orchestrator"
	"github.com/BaSui01/guardflow/testutil/mocks"
	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 🧪 模拟提供商
// =============================================================================

func replyWith(content string) func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{
			ID:    "chatcmpl-test",
			Model: req.Model,
			Choices: []llm.ChatChoice{{
				FinishReason: "stop",
				Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
			}},
			Usage:     llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			CreatedAt: time.Unix(1700000000, 0),
		}, nil
	}
}

func newTestOrchestrator(t *testing.T, generation llm.Provider) *orchestrator.Orchestrator {
	t.Helper()
	registry, err := orchestrator.NewRegistry([]types.DetectorConfig{
		{ID: "pii", Kind: types.DetectorKindRegex, Params: map[string]any{"patterns": []any{"email"}}},
		{ID: "json", Kind: types.DetectorKindStructural, Params: map[string]any{"format": "json"}},
	}, nil, types.ChunkerConfig{Strategy: "sentence"})
	require.NoError(t, err)

	o, err := orchestrator.New(config.OrchestratorConfig{
		MaxConcurrency:  4,
		DetectorTimeout: time.Second,
		FailurePolicy:   config.FailOpen,
		DecisionPolicy:  "any",
	}, registry, orchestrator.Dependencies{Generation: generation, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func postJSON(t *testing.T, target string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// =============================================================================
// 🧪 ChatHandler 测试
// =============================================================================

func TestChatHandler_HandleCompletionDetection(t *testing.T) {
	tests := []struct {
		name           string
		prompt         string
		reply          string
		expectedStatus int
		expectedCalls  int
		checkResponse  func(*testing.T, *api.ChatDetectionResponse)
	}{
		{
			name:           "pass through",
			prompt:         "What is the capital of France?",
			reply:          "Paris.",
			expectedStatus: http.StatusOK,
			expectedCalls:  1,
			checkResponse: func(t *testing.T, resp *api.ChatDetectionResponse) {
				require.Len(t, resp.Choices, 1)
				assert.Equal(t, "Paris.", resp.Choices[0].Message.Content)
				assert.Empty(t, resp.Warnings)
				assert.Empty(t, resp.Detections.Input)
				assert.Empty(t, resp.Detections.Output)
				require.NotNil(t, resp.Usage)
				assert.Equal(t, 15, resp.Usage.TotalTokens)
				assert.Equal(t, int64(1700000000), resp.Created)
			},
		},
		{
			name:           "input violation skips generation",
			prompt:         "My email is test@domain.com",
			reply:          "unused",
			expectedStatus: http.StatusOK,
			expectedCalls:  0,
			checkResponse: func(t *testing.T, resp *api.ChatDetectionResponse) {
				assert.NotNil(t, resp.Choices)
				assert.Empty(t, resp.Choices)
				require.Len(t, resp.Detections.Input, 1)
				assert.Equal(t, "email_address", resp.Detections.Input[0].DetectionType)
				require.Len(t, resp.Warnings, 1)
				assert.Equal(t, orchestrator.WarningUnsuitableInput, resp.Warnings[0].Type)
			},
		},
		{
			name:           "output violation discards choices",
			prompt:         "Who should I contact?",
			reply:          "Write to admin@example.org",
			expectedStatus: http.StatusOK,
			expectedCalls:  1,
			checkResponse: func(t *testing.T, resp *api.ChatDetectionResponse) {
				assert.Empty(t, resp.Choices)
				require.Len(t, resp.Detections.Output, 1)
				assert.Equal(t, "admin@example.org", resp.Detections.Output[0].Text)
				require.Len(t, resp.Warnings, 1)
				assert.Equal(t, orchestrator.WarningUnsuitableOutput, resp.Warnings[0].Type)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := mocks.NewMockProvider().WithCompletionFunc(replyWith(tt.reply))
			h := NewChatHandler(newTestOrchestrator(t, provider), zap.NewNop())

			w := httptest.NewRecorder()
			h.HandleCompletionDetection(w, postJSON(t, "/api/v2/chat/completions-detection", map[string]any{
				"model":    "granite",
				"messages": []map[string]string{{"role": "user", "content": tt.prompt}},
				"n":        1, // 未建模字段被忽略
				"detectors": map[string]any{
					"input":  map[string]any{"pii": map[string]any{}},
					"output": map[string]any{"pii": map[string]any{}},
				},
			}))

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedCalls, provider.CallCount())

			var resp api.ChatDetectionResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "chat.completion", resp.Object)
			tt.checkResponse(t, &resp)
		})
	}
}

func TestChatHandler_PassResponseShape(t *testing.T) {
	provider := mocks.NewMockProvider().WithCompletionFunc(replyWith("ok"))
	h := NewChatHandler(newTestOrchestrator(t, provider), zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletionDetection(w, postJSON(t, "/", map[string]any{
		"model":    "granite",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}))
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.JSONEq(t, `{}`, string(raw["detections"]))
	assert.NotContains(t, raw, "warnings")
}

func TestChatHandler_Errors(t *testing.T) {
	tests := []struct {
		name           string
		body           map[string]any
		provider       *mocks.MockProvider
		expectedStatus int
		expectedCode   types.ErrorCode
	}{
		{
			name:           "missing model",
			body:           map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}},
			provider:       mocks.NewMockProvider(),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   types.ErrInvalidRequest,
		},
		{
			name:           "empty messages",
			body:           map[string]any{"model": "m", "messages": []any{}},
			provider:       mocks.NewMockProvider(),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   types.ErrInvalidRequest,
		},
		{
			name: "temperature out of range",
			body: map[string]any{"model": "m", "temperature": 3,
				"messages": []map[string]string{{"role": "user", "content": "hi"}}},
			provider:       mocks.NewMockProvider(),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   types.ErrInvalidRequest,
		},
		{
			name: "unknown detector",
			body: map[string]any{"model": "m",
				"messages":  []map[string]string{{"role": "user", "content": "hi"}},
				"detectors": map[string]any{"output": map[string]any{"nope": map[string]any{}}}},
			provider:       mocks.NewMockProvider(),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   types.ErrConfiguration,
		},
		{
			name: "generation failure",
			body: map[string]any{"model": "m",
				"messages": []map[string]string{{"role": "user", "content": "hi"}}},
			provider:       mocks.NewMockProvider().WithError(errors.New("connection reset")),
			expectedStatus: http.StatusBadGateway,
			expectedCode:   types.ErrUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChatHandler(newTestOrchestrator(t, tt.provider), zap.NewNop())
			w := httptest.NewRecorder()
			h.HandleCompletionDetection(w, postJSON(t, "/", tt.body))

			assert.Equal(t, tt.expectedStatus, w.Code)
			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.expectedCode), resp.Error.Code)
		})
	}
}

func TestChatHandler_RejectsWrongContentType(t *testing.T) {
	h := NewChatHandler(newTestOrchestrator(t, mocks.NewMockProvider()), zap.NewNop())
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}`))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	h.HandleCompletionDetection(w, r)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestConvertToLLMRequest(t *testing.T) {
	temp := float32(0.2)
	req := convertToLLMRequest(&api.ChatDetectionRequest{
		Model:       "m",
		Messages:    []api.Message{{Role: "system", Content: "be nice"}, {Role: "user", Content: "hi"}},
		Temperature: &temp,
		User:        "alice",
		Metadata:    map[string]string{"team": "qa"},
	})

	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, &temp, req.Temperature)
	assert.Nil(t, req.TopP)
	assert.Equal(t, map[string]string{"team": "qa", "user": "alice"}, req.Metadata)
}
