package models

import "time"

// AuditKind names a task lifecycle event.
type AuditKind string

const (
	AuditEnqueued  AuditKind = "enqueued"
	AuditScheduled AuditKind = "scheduled"
	AuditStarted   AuditKind = "started"
	AuditRetried   AuditKind = "retried"
	AuditCompleted AuditKind = "completed"
	AuditFailed    AuditKind = "failed"
	AuditCancelled AuditKind = "cancelled"
)

// AuditEvent is one entry of the task audit trail.
type AuditEvent struct {
	ID         int64      `json:"id,omitempty"`
	Kind       AuditKind  `json:"kind"`
	TaskID     string     `json:"task_id"`
	ProjectID  string     `json:"project_id"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Provider   string     `json:"provider,omitempty"`
	Cost       float64    `json:"cost,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
