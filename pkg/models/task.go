package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting in its priority queue.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusScheduled indicates the task is future-dated and not yet queued.
	TaskStatusScheduled TaskStatus = "scheduled"
	// TaskStatusRunning indicates the task is being executed.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed and will not be retried.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusScheduled, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Priority orders queue draining. Higher priorities always drain first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists priorities in drain order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the drain index of the priority (0 drains first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Constraints limit how a task may be executed.
type Constraints struct {
	// PreferredProvider is tried before the intent list when set.
	PreferredProvider string `json:"preferred_provider,omitempty"`
	// Intent selects the provider preference list.
	Intent Intent `json:"intent,omitempty"`
	// MaxCost stops further tool rounds once the running estimate exceeds it (USD, 0 = unlimited).
	MaxCost float64 `json:"max_cost,omitempty"`
}

// TaskSpec is what callers submit to the queue.
type TaskSpec struct {
	ProjectID    string      `json:"project_id"`
	WorkflowID   string      `json:"workflow_id,omitempty"`
	Title        string      `json:"title,omitempty"`
	Instruction  string      `json:"instruction"`
	Priority     Priority    `json:"priority,omitempty"`
	AllowedTools []string    `json:"allowed_tools,omitempty"`
	Constraints  Constraints `json:"constraints"`
	DependsOn    []string    `json:"depends_on,omitempty"`
	// ScheduledAt defers the task until the given time when it is in the future.
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequesterID string    `json:"requester_id,omitempty"`
	Specialist  string    `json:"specialist,omitempty"`
}

// Task represents a unit of schedulable work submitted against a project.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID partitions the queue.
	ProjectID string `json:"project_id"`
	// WorkflowID tags tasks submitted by the workflow orchestrator.
	WorkflowID string `json:"workflow_id,omitempty"`
	// Title is a short label, mostly set by workflow decomposition.
	Title string `json:"title,omitempty"`
	// Instruction is the free-text work description.
	Instruction string   `json:"instruction"`
	Priority    Priority `json:"priority"`
	// AllowedTools is the whitelist of tools this task may invoke.
	AllowedTools []string    `json:"allowed_tools,omitempty"`
	Constraints  Constraints `json:"constraints"`
	Status       TaskStatus  `json:"status"`
	// RetryCount is the number of retries consumed so far.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the retry ceiling applied to this task.
	MaxRetries int `json:"max_retries"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn   []string `json:"depends_on,omitempty"`
	WebhookURL  string   `json:"webhook_url,omitempty"`
	RequesterID string   `json:"requester_id,omitempty"`
	Specialist  string   `json:"specialist,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result holds the last successful job result.
	Result *JobResult `json:"result,omitempty"`
	// Error contains the last error message if the task failed.
	Error string `json:"error,omitempty"`
}

// Duration returns the time between start and completion, or zero.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Task) Clone() Task {
	c := *t
	c.AllowedTools = append([]string(nil), t.AllowedTools...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	c.QueuedAt = cloneTime(t.QueuedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Result != nil {
		r := t.Result.Clone()
		c.Result = &r
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
