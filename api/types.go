package api

import (
	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 分块接口类型
// =============================================================================

// ChunkRequest 分块请求
// @Description 分块请求结构；策略通过 chunker-strategy 请求头或 strategy 查询参数指定
type ChunkRequest struct {
	// 待分块文本
	Text string `json:"text" example:"Hello world. This is a test."`
	// 策略参数（chunk_size、overlap 等）
	Params map[string]any `json:"params,omitempty"`
}

// ChunkSpan 单个分块；start 为 0 时省略
type ChunkSpan struct {
	Start int    `json:"start,omitempty" example:"13"`
	End   int    `json:"end" example:"28"`
	Text  string `json:"text" example:"This is a test."`
}

// ChunkResponse 分块响应
// @Description 分块结果与整段文本的 token 数
type ChunkResponse struct {
	Results    []ChunkSpan `json:"results"`
	TokenCount int         `json:"token_count" example:"8"`
}

// NewChunkResponse converts spans to the wire shape.
func NewChunkResponse(spans []types.Span, tokenCount int) *ChunkResponse {
	results := make([]ChunkSpan, len(spans))
	for i, s := range spans {
		results[i] = ChunkSpan{Start: s.Start, End: s.End, Text: s.Text}
	}
	return &ChunkResponse{Results: results, TokenCount: tokenCount}
}

// =============================================================================
// 内容检测接口类型
// =============================================================================

// DetectorParams maps detector id to per-request params. An empty object
// selects the detector with its registered params.
type DetectorParams map[string]map[string]any

// DetectionRequest 内容检测请求
// @Description 内容检测请求结构
type DetectionRequest struct {
	Detectors DetectorParams `json:"detectors"`
	Content   string         `json:"content" example:"My email is test@domain.com"`
	// input（默认）或 output；影响 self_reflection 检测器的策略选择
	Direction string `json:"direction,omitempty" example:"input"`
}

// DetectorError 单个检测器调用失败
type DetectorError struct {
	DetectorID string `json:"detector_id"`
	ChunkIndex int    `json:"chunk_index"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// DetectionResponse 内容检测响应
// @Description 检测结果按 start 排序；检测器失败单独列出
type DetectionResponse struct {
	Detections []types.DetectionResult `json:"detections"`
	Errors     []DetectorError         `json:"errors,omitempty"`
}

// =============================================================================
// 带检测的聊天补全接口类型
// =============================================================================

// Message 对话消息
type Message struct {
	Role    string `json:"role" example:"user"`
	Content string `json:"content" example:"Hello"`
	Name    string `json:"name,omitempty"`
}

// ChatDetectors selects detectors for each direction.
type ChatDetectors struct {
	Input  DetectorParams `json:"input,omitempty"`
	Output DetectorParams `json:"output,omitempty"`
}

// ChatDetectionRequest 是 OpenAI 聊天补全请求体加上 detectors 字段
// @Description 带检测的聊天补全请求
type ChatDetectionRequest struct {
	Model       string            `json:"model" example:"granite-3-8b-instruct"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty" example:"256"`
	Temperature *float32          `json:"temperature,omitempty" example:"0.7"`
	TopP        *float32          `json:"top_p,omitempty" example:"1.0"`
	Stop        []string          `json:"stop,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Detectors   ChatDetectors     `json:"detectors"`
}

// ChatChoice 单个生成结果
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty" example:"stop"`
	Message      Message `json:"message"`
}

// ChatUsage token 用量
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatDetections 按方向分组的检测结果；通过时为空对象
type ChatDetections struct {
	Input  []types.DetectionResult `json:"input,omitempty"`
	Output []types.DetectionResult `json:"output,omitempty"`
}

// Warning 机器可读的拒绝说明
type Warning struct {
	Type    string `json:"type" example:"UNSUITABLE_INPUT"`
	Message string `json:"message"`
}

// ChatDetectionResponse 带检测的聊天补全响应
// @Description 违规时 choices 为空，detections 与 warnings 说明原因
type ChatDetectionResponse struct {
	ID         string          `json:"id,omitempty" example:"chatcmpl-123"`
	Object     string          `json:"object" example:"chat.completion"`
	Created    int64           `json:"created"`
	Model      string          `json:"model"`
	Choices    []ChatChoice    `json:"choices"`
	Usage      *ChatUsage      `json:"usage,omitempty"`
	Detections ChatDetections  `json:"detections"`
	Warnings   []Warning       `json:"warnings,omitempty"`
	Errors     []DetectorError `json:"errors,omitempty"`
}

// =============================================================================
// 检测器注册表
// =============================================================================

// DetectorInfo 已注册检测器的描述
type DetectorInfo struct {
	ID        string         `json:"id" example:"pii"`
	Kind      string         `json:"kind" example:"regex"`
	Mode      string         `json:"mode" example:"blocking"`
	Threshold float64        `json:"threshold"`
	Chunker   string         `json:"chunker,omitempty" example:"sentence"`
	Timeout   string         `json:"timeout,omitempty" example:"5s"`
	Params    map[string]any `json:"params,omitempty"`
}

// DetectorsResponse 检测器列表
type DetectorsResponse struct {
	Detectors      []DetectorInfo `json:"detectors"`
	DecisionPolicy string         `json:"decision_policy" example:"any"`
	FailurePolicy  string         `json:"failure_policy" example:"fail_open"`
}
