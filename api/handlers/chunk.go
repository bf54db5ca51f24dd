package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/api"
	"github.com/BaSui01/guardflow/chunking"
)

// StrategyHeader 指定分块策略的请求头
const StrategyHeader = "chunker-strategy"

// =============================================================================
// ✂️ 分块接口 Handler
// =============================================================================

// ChunkHandler 分块接口处理器
type ChunkHandler struct {
	service *chunking.Service
	logger  *zap.Logger
}

// NewChunkHandler 创建分块处理器
func NewChunkHandler(service *chunking.Service, logger *zap.Logger) *ChunkHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkHandler{service: service, logger: logger}
}

// HandleChunk 处理分块请求
// @Summary 文本分块
// @Description 按策略切分文本，返回带偏移的分块与 token 数
// @Tags 分块
// @Accept json
// @Produce json
// @Param chunker-strategy header string false "分块策略"
// @Param strategy query string false "分块策略（请求头优先）"
// @Param request body api.ChunkRequest true "分块请求"
// @Success 200 {object} api.ChunkResponse "分块结果"
// @Failure 400 {object} Response "无效请求或未知策略"
// @Router /api/v1/text/chunk [post]
func (h *ChunkHandler) HandleChunk(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChunkRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	strategy := r.Header.Get(StrategyHeader)
	if strategy == "" {
		strategy = r.URL.Query().Get("strategy")
	}

	res, err := h.service.Chunk(req.Text, strategy, req.Params)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, api.NewChunkResponse(res.Spans, res.TokenCount))
}
