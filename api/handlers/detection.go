package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/api"
	"github.com/BaSui01/guardflow/orchestrator"
	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 🔍 内容检测 Handler
// =============================================================================

// DetectionHandler 内容检测与检测器列表处理器
type DetectionHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewDetectionHandler 创建内容检测处理器
func NewDetectionHandler(o *orchestrator.Orchestrator, logger *zap.Logger) *DetectionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectionHandler{orchestrator: o, logger: logger}
}

// HandleDetection 处理内容检测请求
// @Summary 内容检测
// @Description 用选定的检测器检测内容；违规也返回 200
// @Tags 检测
// @Accept json
// @Produce json
// @Param request body api.DetectionRequest true "检测请求"
// @Success 200 {object} api.DetectionResponse "检测结果"
// @Failure 400 {object} Response "未知检测器或参数无效"
// @Security ApiKeyAuth
// @Router /api/v2/text/detection/content [post]
func (h *DetectionHandler) HandleDetection(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.DetectionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	direction, err := parseDirection(req.Direction)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	res, derr := h.orchestrator.Detect(r.Context(), orchestrator.DetectRequest{
		Content:   req.Content,
		Detectors: orchestrator.Selection(req.Detectors),
		Direction: direction,
	})
	if derr != nil {
		WriteAnyError(w, derr, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, api.DetectionResponse{
		Detections: nonNil(res.Detections),
		Errors:     convertDetectorErrors(res.Errors),
	})
}

// HandleListDetectors 列出已注册的检测器
// @Summary 检测器列表
// @Tags 检测
// @Produce json
// @Success 200 {object} Response{data=api.DetectorsResponse} "检测器列表"
// @Router /api/v1/detectors [get]
func (h *DetectionHandler) HandleListDetectors(w http.ResponseWriter, r *http.Request) {
	registry := h.orchestrator.Registry()
	configs := registry.Configs()

	infos := make([]api.DetectorInfo, 0, len(configs))
	for _, cfg := range configs {
		info := api.DetectorInfo{
			ID:        cfg.ID,
			Kind:      string(cfg.Kind),
			Mode:      string(types.DetectorModeBlocking),
			Threshold: cfg.Threshold,
			Params:    redactParams(cfg.Params),
		}
		if cfg.IsMonitor() {
			info.Mode = string(types.DetectorModeMonitor)
		}
		if s, ok := registry.ChunkStrategy(cfg.ID); ok {
			info.Chunker = string(s)
		}
		if cfg.Timeout > 0 {
			info.Timeout = cfg.Timeout.String()
		}
		infos = append(infos, info)
	}

	WriteSuccess(w, api.DetectorsResponse{
		Detectors:      infos,
		DecisionPolicy: h.orchestrator.Policy().String(),
		FailurePolicy:  h.orchestrator.FailurePolicy(),
	})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func parseDirection(s string) (types.Direction, *types.Error) {
	switch types.Direction(s) {
	case "", types.DirectionInput:
		return types.DirectionInput, nil
	case types.DirectionOutput:
		return types.DirectionOutput, nil
	default:
		return "", types.NewError(types.ErrInvalidRequest, "direction must be input or output").
			WithHTTPStatus(http.StatusBadRequest)
	}
}

func nonNil(ds []types.DetectionResult) []types.DetectionResult {
	if ds == nil {
		return []types.DetectionResult{}
	}
	return ds
}

func convertDetectorErrors(errs []orchestrator.DetectorError) []api.DetectorError {
	if len(errs) == 0 {
		return nil
	}
	out := make([]api.DetectorError, len(errs))
	for i, e := range errs {
		out[i] = api.DetectorError{
			DetectorID: e.DetectorID,
			ChunkIndex: e.ChunkIndex,
			Code:       e.Code,
			Message:    e.Message,
		}
	}
	return out
}

// sensitiveParams 列表接口中隐藏的参数
var sensitiveParams = map[string]bool{
	"api_key": true,
	"token":   true,
	"headers": true,
}

func redactParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveParams[k] {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}
