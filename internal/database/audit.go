package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/guardflow/types"
)

// =============================================================================
// 📝 审计事件存储
// =============================================================================

// ModerationEvent is the row written for every moderated direction. The
// schema is owned by internal/migration.
type ModerationEvent struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	RequestID      string    `gorm:"size:64" json:"request_id"`
	Endpoint       string    `gorm:"size:32" json:"endpoint"`
	Direction      string    `gorm:"size:16" json:"direction"`
	Status         string    `gorm:"size:16" json:"status"`
	FinalState     string    `gorm:"size:32" json:"final_state"`
	Subject        string    `gorm:"size:128" json:"subject,omitempty"`
	DetectorIDs    string    `json:"detector_ids"`
	DetectionCount int       `json:"detection_count"`
	ErrorCount     int       `json:"error_count"`
	Detections     *string   `json:"detections,omitempty"` // JSON; NULL when empty
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName 表名
func (ModerationEvent) TableName() string { return "moderation_events" }

// QueryRecorder receives audit write latency. *metrics.Collector satisfies it.
type QueryRecorder interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// AuditFilter selects events for List. Zero fields do not filter.
type AuditFilter struct {
	RequestID string
	Status    types.VerdictStatus
	Direction types.Direction
	Since     time.Time
	Limit     int
}

// AuditStore persists types.AuditEvent values.
type AuditStore struct {
	pool     *PoolManager
	recorder QueryRecorder
	logger   *zap.Logger
}

// NewAuditStore creates an audit store on top of pool. recorder may be nil.
func NewAuditStore(pool *PoolManager, recorder QueryRecorder, logger *zap.Logger) *AuditStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditStore{
		pool:     pool,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "audit_store")),
	}
}

// Record writes one event.
func (s *AuditStore) Record(ctx context.Context, event types.AuditEvent) error {
	row, err := toModerationEvent(event)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.pool.WithTransactionRetry(ctx, func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
	if s.recorder != nil {
		s.recorder.RecordDBQuery(s.pool.Name(), "insert", time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("record audit event %s: %w", row.ID, err)
	}

	s.logger.Debug("audit event recorded",
		zap.String("id", row.ID),
		zap.String("request_id", row.RequestID),
		zap.String("status", row.Status))
	return nil
}

// List returns the newest events first.
func (s *AuditStore) List(ctx context.Context, filter AuditFilter) ([]ModerationEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := s.pool.DB().WithContext(ctx).Model(&ModerationEvent{})
	if filter.RequestID != "" {
		q = q.Where("request_id = ?", filter.RequestID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Direction != "" {
		q = q.Where("direction = ?", string(filter.Direction))
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}

	start := time.Now()
	var events []ModerationEvent
	err := q.Order("created_at DESC").Limit(limit).Find(&events).Error
	if s.recorder != nil {
		s.recorder.RecordDBQuery(s.pool.Name(), "select", time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// Ping reports whether the audit database is reachable.
func (s *AuditStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func toModerationEvent(event types.AuditEvent) (*ModerationEvent, error) {
	row := &ModerationEvent{
		ID:             uuid.NewString(),
		RequestID:      event.RequestID,
		Endpoint:       event.Endpoint,
		Direction:      string(event.Direction),
		Status:         string(event.Status),
		FinalState:     event.FinalState,
		Subject:        event.Subject,
		DetectorIDs:    strings.Join(event.DetectorIDs, ","),
		DetectionCount: len(event.Detections),
		ErrorCount:     event.ErrorCount,
		DurationMs:     event.Duration.Milliseconds(),
		CreatedAt:      event.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if len(event.Detections) > 0 {
		b, err := json.Marshal(event.Detections)
		if err != nil {
			return nil, fmt.Errorf("encode detections: %w", err)
		}
		encoded := string(b)
		row.Detections = &encoded
	}
	return row, nil
}
