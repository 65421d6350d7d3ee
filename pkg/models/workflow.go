package models

import "time"

// WorkflowStatus represents the phase of a workflow.
type WorkflowStatus string

const (
	WorkflowAnalyzing     WorkflowStatus = "analyzing"
	WorkflowPlanned       WorkflowStatus = "planned"
	WorkflowRunning       WorkflowStatus = "running"
	WorkflowManagerReview WorkflowStatus = "manager_review"
	WorkflowAwaitingCEO   WorkflowStatus = "waiting_for_ceo_approval"
	WorkflowCompleted     WorkflowStatus = "completed"
	WorkflowFailed        WorkflowStatus = "failed"
	WorkflowPaused        WorkflowStatus = "paused"
	WorkflowCancelled     WorkflowStatus = "cancelled"
)

// Terminal returns true for completed, failed and cancelled.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowAnalyzing, WorkflowPlanned, WorkflowRunning, WorkflowManagerReview,
		WorkflowAwaitingCEO, WorkflowCompleted, WorkflowFailed, WorkflowPaused, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// WorkflowTask is one node of a workflow's task graph.
type WorkflowTask struct {
	// Key is the workflow-local identifier used for dependency edges.
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Owner       string   `json:"owner"`
	DependsOn   []string `json:"depends_on,omitempty"`
	// TaskID is the queue task id once submitted.
	TaskID string     `json:"task_id,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	// Skipped is set when a dependency can never complete.
	Skipped bool `json:"skipped,omitempty"`
}

// Done returns true when the node will not change again.
func (t WorkflowTask) Done() bool {
	return t.Skipped || t.Status.Terminal()
}

// Risk is a recorded concern about a workflow.
type Risk struct {
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	TaskKey     string    `json:"task_key,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Budget is the token and cost envelope of a workflow.
type Budget struct {
	TokenAllocation int64   `json:"token_allocation"`
	CostAllocation  float64 `json:"cost_allocation"`
	TokensUsed      int64   `json:"tokens_used"`
	CostUsed        float64 `json:"cost_used"`
}

// Timeline tracks when a workflow started and when it should end.
type Timeline struct {
	CreatedAt         time.Time     `json:"created_at"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Deadline          time.Time     `json:"deadline"`
}

// Decision is an entry in a workflow's decision log.
type Decision struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Workflow is a directive-derived graph of tasks plus an approval state machine.
type Workflow struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Directive   string         `json:"directive"`
	Status      WorkflowStatus `json:"status"`
	Tasks       []WorkflowTask `json:"tasks"`
	Risks       []Risk         `json:"risks,omitempty"`
	Budget      Budget         `json:"budget"`
	Timeline    Timeline       `json:"timeline"`
	Decisions   []Decision     `json:"decisions,omitempty"`
	ApprovedBy  string         `json:"approved_by,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	// Fallback is set when decomposition output could not be parsed.
	Fallback bool `json:"fallback,omitempty"`
}

// Clone returns a deep copy.
func (w *Workflow) Clone() Workflow {
	c := *w
	c.Tasks = make([]WorkflowTask, len(w.Tasks))
	for i, t := range w.Tasks {
		t.DependsOn = append([]string(nil), t.DependsOn...)
		c.Tasks[i] = t
	}
	c.Risks = append([]Risk(nil), w.Risks...)
	c.Decisions = append([]Decision(nil), w.Decisions...)
	c.CompletedAt = cloneTime(w.CompletedAt)
	return c
}
