// Package callback delivers result payloads to the receiving application:
// authenticated JSON POSTs, split into pages when a payload is oversized,
// retried per page, strictly ordered.
package callback

import "encoding/json"

// Status is the terminal disposition a payload reports.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusProcessing Status = "processing"
)

// ErrorDetails accompanies a failed payload.
type ErrorDetails struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

// Payload is one logical result produced by a handler. ProcessedData is
// kept as raw JSON so stored payloads page out byte-identically on resend.
type Payload struct {
	JobID                string          `json:"job_id"`
	TaskKind             string          `json:"task_kind"`
	EntityID             string          `json:"entity_id"`
	Status               Status          `json:"status"`
	Source               string          `json:"source,omitempty"`
	CompletionPercentage int             `json:"completion_percentage"`
	ProcessedData        json.RawMessage `json:"processed_data,omitempty"`
	ErrorDetails         *ErrorDetails   `json:"error_details,omitempty"`
}

// Key returns the idempotency key triple.
func (p *Payload) Key() (taskKind, jobID, entityID string) {
	return p.TaskKind, p.JobID, p.EntityID
}

// page is the wire form of one POST to the receiver.
type page struct {
	Payload
	PageIndex int    `json:"page_index"`
	PageCount int    `json:"page_count"`
	RequestID string `json:"request_id"`
}
