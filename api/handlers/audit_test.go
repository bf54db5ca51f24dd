package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/guardflow/internal/database"
	"github.com/BaSui01/guardflow/types"
)

func setupAuditStore(t *testing.T) *database.AuditStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&database.ModerationEvent{}))

	pm, err := database.NewPoolManager("audit", db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	store := database.NewAuditStore(pm, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, e := range []types.AuditEvent{
		{RequestID: "req-1", Endpoint: "detection", Direction: types.DirectionInput, Status: types.VerdictPass},
		{RequestID: "req-2", Endpoint: "chat", Direction: types.DirectionInput, Status: types.VerdictViolation},
		{RequestID: "req-3", Endpoint: "chat", Direction: types.DirectionOutput, Status: types.VerdictViolation},
	} {
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Record(context.Background(), e))
	}
	return store
}

func listEvents(t *testing.T, h *AuditHandler, query string) (int, []database.ModerationEvent) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleListEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit/events"+query, nil))

	var resp struct {
		Success bool                       `json:"success"`
		Data    []database.ModerationEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp.Data
}

func TestAuditHandler_HandleListEvents(t *testing.T) {
	h := NewAuditHandler(setupAuditStore(t), zap.NewNop())

	tests := []struct {
		query string
		want  []string
	}{
		{query: "", want: []string{"req-3", "req-2", "req-1"}},
		{query: "?status=violation", want: []string{"req-3", "req-2"}},
		{query: "?direction=output", want: []string{"req-3"}},
		{query: "?request_id=req-1", want: []string{"req-1"}},
		{query: "?limit=1", want: []string{"req-3"}},
		{query: "?since=2026-03-01T12:00:30Z", want: []string{"req-3", "req-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			code, events := listEvents(t, h, tt.query)
			require.Equal(t, http.StatusOK, code)
			ids := make([]string, len(events))
			for i, e := range events {
				ids[i] = e.RequestID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestAuditHandler_BadQuery(t *testing.T) {
	h := NewAuditHandler(setupAuditStore(t), zap.NewNop())

	for _, q := range []string{"?status=blocked", "?direction=up", "?since=yesterday", "?limit=0", "?limit=x"} {
		t.Run(q, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.HandleListEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit/events"+q, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

type failingLister struct{}

func (failingLister) List(context.Context, database.AuditFilter) ([]database.ModerationEvent, error) {
	return nil, errors.New("database is locked")
}

func TestAuditHandler_StoreError(t *testing.T) {
	h := NewAuditHandler(failingLister{}, zap.NewNop())
	w := httptest.NewRecorder()
	h.HandleListEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
}
