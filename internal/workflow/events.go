package workflow

import "time"

// EventType names an orchestrator event.
type EventType string

const (
	// EventWorkflowCreated is emitted when a directive is accepted.
	EventWorkflowCreated EventType = "workflow_created"
	// EventWorkflowStatus is emitted on every workflow status transition.
	EventWorkflowStatus EventType = "workflow_status"
	// EventTaskSubmitted is emitted when a workflow task enters the queue.
	EventTaskSubmitted EventType = "task_submitted"
	// EventTaskFinished is emitted when a task reaches a terminal status.
	EventTaskFinished EventType = "task_finished"
	// EventTaskSkipped is emitted when a task can never run because a dependency failed.
	EventTaskSkipped EventType = "task_skipped"
	// EventRiskAdded is emitted when a risk entry is recorded.
	EventRiskAdded EventType = "risk_added"
)

// Event describes a change in workflow or task state.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	TaskKey    string    `json:"task_key,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
