package types

import "time"

// AuditEvent summarizes one moderated request for the audit trail. It is
// recorded after the response is decided and never read back by the
// pipeline.
type AuditEvent struct {
	RequestID   string            `json:"request_id"`
	Endpoint    string            `json:"endpoint"`
	Subject     string            `json:"subject,omitempty"`
	Direction   Direction         `json:"direction"`
	Status      VerdictStatus     `json:"status"`
	FinalState  string            `json:"final_state,omitempty"`
	DetectorIDs []string          `json:"detector_ids"`
	Detections  []DetectionResult `json:"detections,omitempty"`
	ErrorCount  int               `json:"error_count"`
	Duration    time.Duration     `json:"duration"`
	CreatedAt   time.Time         `json:"created_at"`
}
