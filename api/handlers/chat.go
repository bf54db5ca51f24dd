package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/api"
	"github.com/BaSui01/guardflow/llm"
	"github.com/BaSui01/guardflow/orchestrator"
	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 💬 带检测的聊天接口 Handler
// =============================================================================

// ChatHandler 带检测的聊天补全处理器
type ChatHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(o *orchestrator.Orchestrator, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{orchestrator: o, logger: logger}
}

// HandleCompletionDetection 处理带检测的聊天补全请求
// @Summary 带检测的聊天补全
// @Description 先检测输入，通过后调用生成模型，再检测输出；违规时 choices 为空并附带 warnings
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body api.ChatDetectionRequest true "聊天请求"
// @Success 200 {object} api.ChatDetectionResponse "聊天响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 502 {object} Response "生成模型错误"
// @Security ApiKeyAuth
// @Router /api/v2/chat/completions-detection [post]
func (h *ChatHandler) HandleCompletionDetection(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	// OpenAI 请求体可能带有未建模的字段，不使用严格模式
	var req api.ChatDetectionRequest
	if err := decodeJSON(w, r, &req, false, h.logger); err != nil {
		return
	}

	if err := validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	llmReq := convertToLLMRequest(&req)
	if traceID, ok := types.TraceID(r.Context()); ok {
		llmReq.TraceID = traceID
	}

	res, err := h.orchestrator.Chat(r.Context(), orchestrator.ChatRequest{
		Completion: llmReq,
		Input:      orchestrator.Selection(req.Detectors.Input),
		Output:     orchestrator.Selection(req.Detectors.Output),
	})
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, convertToAPIResponse(res))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// validateChatRequest 验证聊天请求
func validateChatRequest(req *api.ChatDetectionRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}

	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}

	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}

	return nil
}

// convertToLLMRequest 转换为 LLM 请求
func convertToLLMRequest(req *api.ChatDetectionRequest) *llm.ChatRequest {
	messages := make([]llm.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = llm.Message{
			Role:    llm.Role(msg.Role),
			Content: msg.Content,
			Name:    msg.Name,
		}
	}

	metadata := req.Metadata
	if req.User != "" {
		metadata = make(map[string]string, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			metadata[k] = v
		}
		metadata["user"] = req.User
	}

	return &llm.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Metadata:    metadata,
	}
}

// convertToAPIResponse 转换为 API 响应
func convertToAPIResponse(res *orchestrator.ChatResult) *api.ChatDetectionResponse {
	resp := res.Response
	out := &api.ChatDetectionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.CreatedAt.Unix(),
		Model:   resp.Model,
		Choices: convertChoices(resp.Choices),
		Detections: api.ChatDetections{
			Input:  res.Detections.Input,
			Output: res.Detections.Output,
		},
		Errors: convertDetectorErrors(res.Errors),
	}
	if resp.CreatedAt.IsZero() {
		out.Created = time.Now().Unix()
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &api.ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, warning := range res.Warnings {
		out.Warnings = append(out.Warnings, api.Warning{Type: warning.Type, Message: warning.Message})
	}
	return out
}

// convertChoices 转换选择列表；被拦截时为空数组而不是 null
func convertChoices(choices []llm.ChatChoice) []api.ChatChoice {
	result := make([]api.ChatChoice, len(choices))
	for i, choice := range choices {
		result[i] = api.ChatChoice{
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
			Message: api.Message{
				Role:    string(choice.Message.Role),
				Content: choice.Message.Content,
				Name:    choice.Message.Name,
			},
		}
	}
	return result
}
