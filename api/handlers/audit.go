package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/guardflow/internal/database"
	"github.com/BaSui01/guardflow/types"
)

// AuditLister 审计事件查询接口，*database.AuditStore 实现了该接口
type AuditLister interface {
	List(ctx context.Context, filter database.AuditFilter) ([]database.ModerationEvent, error)
}

// AuditHandler 审计事件查询处理器
type AuditHandler struct {
	store  AuditLister
	logger *zap.Logger
}

// NewAuditHandler 创建 AuditHandler
func NewAuditHandler(store AuditLister, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{store: store, logger: logger}
}

// HandleListEvents GET /api/v1/audit/events
// @Summary 审计事件列表
// @Description 按 request_id、status、direction、since、limit 过滤，最新的在前
// @Tags 审计
// @Produce json
// @Success 200 {object} Response "审计事件"
// @Failure 400 {object} Response "查询参数无效"
// @Security ApiKeyAuth
// @Router /api/v1/audit/events [get]
func (h *AuditHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	filter, apiErr := parseAuditFilter(r)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	events, err := h.store.List(r.Context(), filter)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list audit events").WithCause(err), h.logger)
		return
	}
	if events == nil {
		events = []database.ModerationEvent{}
	}

	WriteSuccess(w, events)
}

func parseAuditFilter(r *http.Request) (database.AuditFilter, *types.Error) {
	q := r.URL.Query()
	filter := database.AuditFilter{RequestID: q.Get("request_id")}

	switch status := types.VerdictStatus(q.Get("status")); status {
	case "", types.VerdictPass, types.VerdictViolation:
		filter.Status = status
	default:
		return filter, badQuery("status must be pass or violation")
	}

	switch direction := types.Direction(q.Get("direction")); direction {
	case "", types.DirectionInput, types.DirectionOutput:
		filter.Direction = direction
	default:
		return filter, badQuery("direction must be input or output")
	}

	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, badQuery("since must be an RFC3339 timestamp")
		}
		filter.Since = since
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			return filter, badQuery("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func badQuery(msg string) *types.Error {
	return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(http.StatusBadRequest)
}
