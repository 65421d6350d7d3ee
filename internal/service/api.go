package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/notify"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/provider"
	"github.com/ShayCichocki/foreman/internal/queue"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/workflow"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// SubmitTask enqueues a standalone task and returns its id.
func (s *Service) SubmitTask(spec models.TaskSpec) (string, error) {
	return s.queue.Submit(spec)
}

// CancelTask cancels a queued, scheduled or running task.
func (s *Service) CancelTask(taskID, requesterID string) error {
	return s.queue.Cancel(taskID, requesterID)
}

// GetTaskStatus returns a snapshot of the task.
func (s *Service) GetTaskStatus(taskID string) (models.Task, error) {
	return s.queue.Get(taskID)
}

// ListTasks returns the tasks matching f.
func (s *Service) ListTasks(f queue.Filter) []models.Task {
	return s.queue.List(f)
}

// QueueDepth reports queued tasks per priority.
func (s *Service) QueueDepth() map[models.Priority]int {
	return s.queue.Depth()
}

// SubmitDirective starts a workflow for text under projectID.
func (s *Service) SubmitDirective(ctx context.Context, text, projectID string) (string, error) {
	return s.orchestrator.SubmitDirective(ctx, text, projectID)
}

// RecordApproval approves or rejects a workflow awaiting sign-off.
func (s *Service) RecordApproval(workflowID, approverID string, approved bool) error {
	return s.orchestrator.RecordApproval(workflowID, approverID, approved)
}

// GetWorkflowStatus returns a snapshot of the workflow.
func (s *Service) GetWorkflowStatus(workflowID string) (models.Workflow, error) {
	return s.orchestrator.Get(workflowID)
}

// ListWorkflows returns every known workflow, oldest first.
func (s *Service) ListWorkflows() []models.Workflow {
	return s.orchestrator.List()
}

// PauseWorkflow stops submitting new tasks for the workflow.
func (s *Service) PauseWorkflow(workflowID string) error {
	return s.orchestrator.Pause(workflowID)
}

// ResumeWorkflow continues a paused workflow.
func (s *Service) ResumeWorkflow(workflowID string) error {
	return s.orchestrator.Resume(workflowID)
}

// CancelWorkflow cancels the workflow and its unfinished tasks.
func (s *Service) CancelWorkflow(workflowID string) error {
	return s.orchestrator.Cancel(workflowID)
}

// SetPreferredModel pins the model tried first for a provider.
func (s *Service) SetPreferredModel(providerName, model string) error {
	return s.registry.SetPreferredModel(providerName, model)
}

// SetCostMode sets a provider's cost mode.
func (s *Service) SetCostMode(providerName, mode string) error {
	return s.registry.SetCostMode(providerName, mode)
}

// ProviderInfo pairs a provider's status with its credential source.
type ProviderInfo struct {
	provider.Status
	DisplayName      string           `json:"display_name"`
	CredentialKey    string           `json:"credential_key,omitempty"`
	CredentialSource config.KeySource `json:"credential_source"`
}

// Providers reports every provider with its capacity window.
func (s *Service) Providers() []ProviderInfo {
	statuses := s.registry.Statuses()
	out := make([]ProviderInfo, 0, len(statuses))
	for _, st := range statuses {
		p, _ := s.registry.Provider(st.Name)
		out = append(out, ProviderInfo{
			Status:           st,
			DisplayName:      p.DisplayName,
			CredentialKey:    p.CredentialKey,
			CredentialSource: s.creds.Source(p.CredentialKey),
		})
	}
	return out
}

// Models returns the candidate models of a provider, preferred first.
func (s *Service) Models(ctx context.Context, providerName string) ([]string, error) {
	if _, ok := s.registry.Provider(providerName); !ok {
		return nil, fmt.Errorf("provider %s: %w", providerName, reliability.ErrNotFound)
	}
	return s.registry.GetModelCandidates(ctx, providerName)
}

// Events streams workflow and task events. The channel closes on Close.
func (s *Service) Events() <-chan workflow.Event {
	return s.emitter.Events()
}

// DroppedEvents counts events dropped because no consumer kept up.
func (s *Service) DroppedEvents() uint64 {
	return s.emitter.DroppedCount()
}

// Metrics returns the Prometheus instruments.
func (s *Service) Metrics() *observability.Metrics {
	return s.metrics
}

// AuditEvents queries the audit store. Without a store it returns nothing.
func (s *Service) AuditEvents(ctx context.Context, q state.AuditQuery) ([]models.AuditEvent, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.Events(ctx, q)
}

// WebhookFailures returns recent failed webhook deliveries.
func (s *Service) WebhookFailures() []notify.Failure {
	return s.notifier.Failures()
}

// forwardTask publishes completions of standalone tasks. Workflow tasks are
// published by the orchestrator.
func (s *Service) forwardTask(t models.Task) {
	if t.WorkflowID != "" {
		return
	}
	msg := t.Error
	if msg == "" && t.Result != nil {
		msg = fmt.Sprintf("%s/%s $%.4f", t.Result.Provider, t.Result.Model, t.Result.Cost)
	}
	s.emitter.Emit(workflow.Event{
		Type:      workflow.EventTaskFinished,
		TaskID:    t.ID,
		Status:    string(t.Status),
		Message:   msg,
		Timestamp: t.CompletedAt,
	})
}

// summarize is the manager review: a count of outcomes and spend.
func summarize(_ context.Context, wf models.Workflow) (string, error) {
	counts := make(map[models.TaskStatus]int)
	skipped := 0
	for _, t := range wf.Tasks {
		if t.Skipped {
			skipped++
			continue
		}
		counts[t.Status]++
	}
	var parts []string
	for _, st := range []models.TaskStatus{
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
	} {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, st))
		}
	}
	if skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", skipped))
	}
	if len(parts) == 0 {
		parts = append(parts, "no tasks")
	}
	return fmt.Sprintf("%s of %d; %d tokens, $%.4f, %d risks",
		strings.Join(parts, ", "), len(wf.Tasks), wf.Budget.TokensUsed, wf.Budget.CostUsed, len(wf.Risks)), nil
}
