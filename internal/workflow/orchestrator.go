// Package workflow turns directives into task graphs, feeds the graph into
// the task queue as dependencies clear and drives each workflow through
// review and approval.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// workflow's current status.
var ErrInvalidTransition = errors.New("invalid workflow transition")

const (
	DefaultDeadline = 24 * time.Hour

	reviewTimeout = 2 * time.Minute
	// outputLimit bounds how much of a finished task's output is handed to dependents.
	outputLimit = 4000
)

// TaskSubmitter is the queue surface the orchestrator drives. Submit must not
// call back into the orchestrator synchronously.
type TaskSubmitter interface {
	Submit(spec models.TaskSpec) (string, error)
	Cancel(taskID, requesterID string) error
}

// Reviewer performs the manager review once every task is terminal. The
// returned note is recorded in the decision log.
type Reviewer interface {
	Review(ctx context.Context, wf models.Workflow) (string, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, wf models.Workflow) (string, error)

func (f ReviewerFunc) Review(ctx context.Context, wf models.Workflow) (string, error) {
	return f(ctx, wf)
}

// run is the orchestrator's bookkeeping for one workflow.
type run struct {
	wf models.Workflow
	// keys maps a task key to its index in wf.Tasks.
	keys map[string]int
	// byTask maps a queue task id to its index in wf.Tasks.
	byTask  map[string]int
	outputs map[string]string
	// prev is the status to restore on Resume.
	prev     models.WorkflowStatus
	budget   budgetWatch
	rejected bool
	overdue  bool
}

// Orchestrator owns every workflow. Its mutex is held while submitting to
// the queue but never while cancelling queue tasks, reviewing or emitting.
type Orchestrator struct {
	submitter  TaskSubmitter
	decomposer Decomposer
	reviewer   Reviewer
	roster     *roster
	emitter    *Emitter
	tokens     int64
	cost       float64
	threshold  float64
	deadline   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	active  map[string]*run
	archive map[string]*run
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReviewer sets the manager review step.
func WithReviewer(r Reviewer) Option {
	return func(o *Orchestrator) { o.reviewer = r }
}

// WithBudget sets the default token and cost allocation of new workflows.
func WithBudget(tokens int64, cost float64) Option {
	return func(o *Orchestrator) {
		o.tokens = tokens
		o.cost = cost
	}
}

// WithWarningThreshold sets the budget share that records a warning risk.
func WithWarningThreshold(t float64) Option {
	return func(o *Orchestrator) {
		if t > 0 && t <= 1 {
			o.threshold = t
		}
	}
}

// WithDefaultDeadline sets how long after creation a workflow is due.
func WithDefaultDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithSpecialists replaces the specialist roster.
func WithSpecialists(specs []Specialist) Option {
	return func(o *Orchestrator) {
		if len(specs) > 0 {
			o.roster = newRoster(specs)
		}
	}
}

// WithEmitter publishes workflow events.
func WithEmitter(e *Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator submitting to submitter.
func New(submitter TaskSubmitter, decomposer Decomposer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		submitter:  submitter,
		decomposer: decomposer,
		roster:     newRoster(DefaultSpecialists()),
		threshold:  DefaultWarningThreshold,
		deadline:   DefaultDeadline,
		now:        time.Now,
		active:     make(map[string]*run),
		archive:    make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func requesterFor(workflowID string) string {
	return "workflow:" + workflowID
}

// SubmitDirective decomposes text into a task graph and starts submitting
// its ready tasks. It returns once the first wave is queued.
func (o *Orchestrator) SubmitDirective(ctx context.Context, text, projectID string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", reliability.Invalid("directive", "must not be empty")
	}
	if projectID == "" {
		return "", reliability.Invalid("project_id", "required")
	}

	now := o.now()
	r := &run{
		wf: models.Workflow{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Directive: text,
			Status:    models.WorkflowAnalyzing,
			Budget:    models.Budget{TokenAllocation: o.tokens, CostAllocation: o.cost},
			Timeline:  models.Timeline{CreatedAt: now, Deadline: now.Add(o.deadline)},
		},
		keys:    make(map[string]int),
		byTask:  make(map[string]int),
		outputs: make(map[string]string),
	}
	id := r.wf.ID

	o.mu.Lock()
	o.active[id] = r
	o.decideLocked(r, "system", "created", "")
	o.mu.Unlock()
	o.emit(Event{Type: EventWorkflowCreated, WorkflowID: id, Status: string(models.WorkflowAnalyzing), Message: text})
	log.Printf("[workflow] %s: analyzing directive for project %s", id, projectID)

	plan, err := o.decomposer.Decompose(ctx, text, o.roster.names())
	var notes []string
	if err == nil {
		notes, err = plan.normalize()
	}
	fallback := err != nil
	if fallback {
		log.Printf("[workflow] %s: decomposition failed, using default plan: %v", id, err)
		plan = FallbackPlan(text)
		notes, _ = plan.normalize()
	}

	o.mu.Lock()
	if r.wf.Status.Terminal() {
		o.mu.Unlock()
		return id, nil
	}
	var evs []Event
	o.installPlanLocked(r, plan)
	r.wf.Fallback = fallback
	if fallback {
		evs = append(evs, o.riskLocked(r, models.Risk{
			Description: fmt.Sprintf("decomposition failed, default plan used: %v", err),
			Severity:    "medium",
		}))
	}
	for _, n := range notes {
		evs = append(evs, o.riskLocked(r, models.Risk{Description: "dependency dropped: " + n, Severity: "low"}))
	}

	if r.wf.Status == models.WorkflowPaused {
		o.decideLocked(r, "system", "planned", fmt.Sprintf("%d tasks", len(r.wf.Tasks)))
		r.prev = models.WorkflowRunning
	} else {
		evs = append(evs, o.transitionLocked(r, models.WorkflowPlanned, "system", fmt.Sprintf("%d tasks", len(r.wf.Tasks))))
		evs = append(evs, o.transitionLocked(r, models.WorkflowRunning, "system", ""))
		evs = append(evs, o.advanceLocked(r)...)
	}
	review := r.wf.Status == models.WorkflowManagerReview
	o.mu.Unlock()

	o.emit(evs...)
	if review {
		o.review(id)
	}
	return id, nil
}

func (o *Orchestrator) installPlanLocked(r *run, plan *Plan) {
	titles := make(map[string]string, len(plan.Tasks))
	for i, pt := range plan.Tasks {
		titles[pt.Title] = fmt.Sprintf("t%d", i+1)
	}
	for i, pt := range plan.Tasks {
		owner := o.roster.assign(pt)
		t := models.WorkflowTask{
			Key:         titles[pt.Title],
			Title:       pt.Title,
			Description: pt.Description,
			Owner:       owner.Name,
		}
		for _, dep := range pt.DependsOn {
			t.DependsOn = append(t.DependsOn, titles[dep])
		}
		r.keys[t.Key] = i
		r.wf.Tasks = append(r.wf.Tasks, t)
	}
	for _, pr := range plan.Risks {
		if strings.TrimSpace(pr.Description) == "" {
			continue
		}
		r.wf.Risks = append(r.wf.Risks, models.Risk{
			Description: pr.Description,
			Severity:    normalizeSeverity(pr.Severity),
			RecordedAt:  o.now(),
		})
	}
	r.wf.Timeline.EstimatedDuration = plan.criticalPath()
}

func normalizeSeverity(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "low", "medium", "high":
		return s
	default:
		return "medium"
	}
}

// advanceLocked marks tasks whose dependencies can never complete as
// skipped, submits tasks whose dependencies all completed and moves a
// running workflow to manager review once every task is done.
func (o *Orchestrator) advanceLocked(r *run) []Event {
	if r.wf.Status != models.WorkflowRunning {
		return nil
	}
	var evs []Event
	for changed := true; changed; {
		changed = false
		for i := range r.wf.Tasks {
			t := &r.wf.Tasks[i]
			if t.TaskID != "" || t.Done() {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				d := r.wf.Tasks[r.keys[dep]]
				if d.Skipped || d.Status == models.TaskStatusFailed || d.Status == models.TaskStatusCancelled {
					t.Skipped = true
					evs = append(evs, Event{Type: EventTaskSkipped, WorkflowID: r.wf.ID, TaskKey: t.Key, Message: "dependency " + dep + " did not complete"})
					evs = append(evs, o.riskLocked(r, models.Risk{
						Description: fmt.Sprintf("task %q skipped: dependency %q did not complete", t.Title, d.Title),
						Severity:    "high",
						TaskKey:     t.Key,
					}))
					break
				}
				if d.Status != models.TaskStatusCompleted {
					ready = false
				}
			}
			if t.Skipped {
				changed = true
				continue
			}
			if !ready {
				continue
			}
			taskID, err := o.submitter.Submit(o.specLocked(r, t))
			if err != nil {
				t.Status = models.TaskStatusFailed
				evs = append(evs, o.riskLocked(r, models.Risk{
					Description: fmt.Sprintf("task %q could not be submitted: %v", t.Title, err),
					Severity:    "high",
					TaskKey:     t.Key,
				}))
				changed = true
				continue
			}
			t.TaskID = taskID
			t.Status = models.TaskStatusQueued
			r.byTask[taskID] = i
			evs = append(evs, Event{Type: EventTaskSubmitted, WorkflowID: r.wf.ID, TaskID: taskID, TaskKey: t.Key, Status: string(t.Status)})
			log.Printf("[workflow] %s: submitted %s (%s) as task %s", r.wf.ID, t.Key, t.Owner, taskID)
		}
	}

	for _, t := range r.wf.Tasks {
		if !t.Done() {
			return evs
		}
	}
	return append(evs, o.transitionLocked(r, models.WorkflowManagerReview, "system", "all tasks finished"))
}

func (o *Orchestrator) specLocked(r *run, t *models.WorkflowTask) models.TaskSpec {
	s, ok := o.roster.byName[strings.ToLower(t.Owner)]
	if !ok {
		s = o.roster.byName[DefaultSpecialistName]
	}
	var deps []string
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s on a team carrying out this directive:\n%s\n\n", s.Name, r.wf.Directive)
	fmt.Fprintf(&b, "Your task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "%s\n", t.Description)
	}
	for _, key := range t.DependsOn {
		d := r.wf.Tasks[r.keys[key]]
		deps = append(deps, d.TaskID)
		if out := r.outputs[key]; out != "" {
			fmt.Fprintf(&b, "\nOutput of %q:\n%s\n", d.Title, out)
		}
	}
	return models.TaskSpec{
		ProjectID:    r.wf.ProjectID,
		WorkflowID:   r.wf.ID,
		Title:        t.Title,
		Instruction:  b.String(),
		Priority:     models.PriorityNormal,
		AllowedTools: append([]string(nil), s.Tools...),
		Constraints:  models.Constraints{Intent: s.Intent},
		DependsOn:    deps,
		RequesterID:  requesterFor(r.wf.ID),
		Specialist:   s.Name,
	}
}

// HandleTaskDone records a terminal task. Register it with the queue's Subscribe.
func (o *Orchestrator) HandleTaskDone(task models.Task) {
	if task.WorkflowID == "" || !task.Status.Terminal() {
		return
	}
	o.mu.Lock()
	r, ok := o.active[task.WorkflowID]
	if !ok {
		o.mu.Unlock()
		return
	}
	i, ok := r.byTask[task.ID]
	if !ok || r.wf.Tasks[i].Status.Terminal() {
		o.mu.Unlock()
		return
	}
	t := &r.wf.Tasks[i]
	t.Status = task.Status

	evs := []Event{{Type: EventTaskFinished, WorkflowID: r.wf.ID, TaskID: task.ID, TaskKey: t.Key, Status: string(task.Status), Message: task.Error}}
	for _, risk := range r.budget.charge(&r.wf.Budget, task.Result, o.threshold) {
		evs = append(evs, o.riskLocked(r, risk))
	}
	switch task.Status {
	case models.TaskStatusCompleted:
		if task.Result != nil {
			r.outputs[t.Key] = truncate(task.Result.Content, outputLimit)
		}
	default:
		evs = append(evs, o.riskLocked(r, models.Risk{
			Description: fmt.Sprintf("task %q %s: %s", t.Title, task.Status, task.Error),
			Severity:    "high",
			TaskKey:     t.Key,
		}))
	}
	if !r.overdue && o.now().After(r.wf.Timeline.Deadline) {
		r.overdue = true
		evs = append(evs, o.riskLocked(r, models.Risk{Description: "deadline passed before completion", Severity: "medium"}))
	}
	evs = append(evs, o.advanceLocked(r)...)
	review := r.wf.Status == models.WorkflowManagerReview
	o.mu.Unlock()

	o.emit(evs...)
	if review {
		o.review(task.WorkflowID)
	}
}

// review runs the reviewer and moves the workflow on to the approval gate.
func (o *Orchestrator) review(id string) {
	o.mu.Lock()
	r, ok := o.active[id]
	if !ok || r.wf.Status != models.WorkflowManagerReview {
		o.mu.Unlock()
		return
	}
	snapshot := r.wf.Clone()
	o.mu.Unlock()

	note := "no reviewer configured"
	var reviewErr error
	if o.reviewer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reviewTimeout)
		note, reviewErr = o.reviewer.Review(ctx, snapshot)
		cancel()
	}

	o.mu.Lock()
	if r.wf.Status != models.WorkflowManagerReview {
		o.mu.Unlock()
		return
	}
	var evs []Event
	if reviewErr != nil {
		evs = append(evs, o.riskLocked(r, models.Risk{Description: "manager review failed: " + reviewErr.Error(), Severity: "medium"}))
	} else {
		o.decideLocked(r, "manager", "reviewed", note)
	}
	evs = append(evs, o.transitionLocked(r, models.WorkflowAwaitingCEO, "manager", ""))
	o.mu.Unlock()
	o.emit(evs...)
}

// RecordApproval applies the approval decision. Repeating the decision that
// produced the current terminal status is a no-op.
func (o *Orchestrator) RecordApproval(id, approverID string, approved bool) error {
	if approverID == "" {
		return reliability.Invalid("approver_id", "required")
	}
	o.mu.Lock()
	r, err := o.findLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	status := r.wf.Status
	switch {
	case status == models.WorkflowAwaitingCEO:
	case approved && status == models.WorkflowCompleted:
		o.mu.Unlock()
		return nil
	case !approved && status == models.WorkflowFailed && r.rejected:
		o.mu.Unlock()
		return nil
	default:
		o.mu.Unlock()
		return fmt.Errorf("record approval for workflow %s in status %s: %w", id, status, ErrInvalidTransition)
	}

	var ev Event
	if approved {
		r.wf.ApprovedBy = approverID
		o.decideLocked(r, approverID, "approved", "")
		ev = o.transitionLocked(r, models.WorkflowCompleted, approverID, "")
	} else {
		r.rejected = true
		o.decideLocked(r, approverID, "rejected", "")
		ev = o.transitionLocked(r, models.WorkflowFailed, approverID, "")
	}
	o.mu.Unlock()

	log.Printf("[workflow] %s: approval recorded by %s (approved=%v)", id, approverID, approved)
	o.emit(ev)
	return nil
}

// Pause stops new task submissions. Tasks already queued keep running.
func (o *Orchestrator) Pause(id string) error {
	o.mu.Lock()
	r, err := o.findLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	switch {
	case r.wf.Status == models.WorkflowPaused:
		o.mu.Unlock()
		return nil
	case r.wf.Status.Terminal():
		o.mu.Unlock()
		return fmt.Errorf("pause workflow %s in status %s: %w", id, r.wf.Status, ErrInvalidTransition)
	}
	r.prev = r.wf.Status
	ev := o.transitionLocked(r, models.WorkflowPaused, "operator", "")
	o.mu.Unlock()
	o.emit(ev)
	return nil
}

// Resume restores the status a workflow had when paused and submits
// whatever became ready meanwhile.
func (o *Orchestrator) Resume(id string) error {
	o.mu.Lock()
	r, err := o.findLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if r.wf.Status != models.WorkflowPaused {
		o.mu.Unlock()
		return fmt.Errorf("resume workflow %s in status %s: %w", id, r.wf.Status, ErrInvalidTransition)
	}
	evs := []Event{o.transitionLocked(r, r.prev, "operator", "")}
	evs = append(evs, o.advanceLocked(r)...)
	review := r.wf.Status == models.WorkflowManagerReview
	o.mu.Unlock()

	o.emit(evs...)
	if review {
		o.review(id)
	}
	return nil
}

// Cancel cancels the workflow and every non-terminal member task.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	r, err := o.findLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	switch {
	case r.wf.Status == models.WorkflowCancelled:
		o.mu.Unlock()
		return nil
	case r.wf.Status.Terminal():
		o.mu.Unlock()
		return fmt.Errorf("cancel workflow %s in status %s: %w", id, r.wf.Status, ErrInvalidTransition)
	}

	var taskIDs []string
	for i := range r.wf.Tasks {
		t := &r.wf.Tasks[i]
		if t.Done() {
			continue
		}
		if t.TaskID != "" {
			taskIDs = append(taskIDs, t.TaskID)
		}
		t.Status = models.TaskStatusCancelled
	}
	ev := o.transitionLocked(r, models.WorkflowCancelled, "operator", "")
	o.mu.Unlock()
	o.emit(ev)

	requester := requesterFor(id)
	for _, taskID := range taskIDs {
		if err := o.submitter.Cancel(taskID, requester); err != nil && !errors.Is(err, reliability.ErrValidation) {
			log.Printf("[workflow] %s: cancel task %s: %v", id, taskID, err)
		}
	}
	return nil
}

// Get returns a snapshot of a workflow, active or archived.
func (o *Orchestrator) Get(id string) (models.Workflow, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, err := o.findLocked(id)
	if err != nil {
		return models.Workflow{}, err
	}
	return r.wf.Clone(), nil
}

// List returns every workflow ordered by creation time.
func (o *Orchestrator) List() []models.Workflow {
	o.mu.Lock()
	out := make([]models.Workflow, 0, len(o.active)+len(o.archive))
	for _, r := range o.active {
		out = append(out, r.wf.Clone())
	}
	for _, r := range o.archive {
		out = append(out, r.wf.Clone())
	}
	o.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timeline.CreatedAt.Equal(out[j].Timeline.CreatedAt) {
			return out[i].Timeline.CreatedAt.Before(out[j].Timeline.CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Archived reports whether a workflow has been moved to the archive.
func (o *Orchestrator) Archived(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.archive[id]
	return ok
}

func (o *Orchestrator) findLocked(id string) (*run, error) {
	if r, ok := o.active[id]; ok {
		return r, nil
	}
	if r, ok := o.archive[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("workflow %s: %w", id, reliability.ErrNotFound)
}

// transitionLocked changes status, logs the decision and archives terminal workflows.
func (o *Orchestrator) transitionLocked(r *run, to models.WorkflowStatus, actor, detail string) Event {
	from := r.wf.Status
	r.wf.Status = to
	msg := fmt.Sprintf("%s -> %s", from, to)
	if detail != "" {
		msg += ": " + detail
	}
	o.decideLocked(r, actor, "transition", msg)
	if to.Terminal() {
		now := o.now()
		r.wf.CompletedAt = &now
		delete(o.active, r.wf.ID)
		o.archive[r.wf.ID] = r
	}
	return Event{Type: EventWorkflowStatus, WorkflowID: r.wf.ID, Status: string(to), Message: msg}
}

func (o *Orchestrator) decideLocked(r *run, actor, action, detail string) {
	r.wf.Decisions = append(r.wf.Decisions, models.Decision{
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		Timestamp: o.now(),
	})
}

func (o *Orchestrator) riskLocked(r *run, risk models.Risk) Event {
	if risk.RecordedAt.IsZero() {
		risk.RecordedAt = o.now()
	}
	r.wf.Risks = append(r.wf.Risks, risk)
	return Event{Type: EventRiskAdded, WorkflowID: r.wf.ID, TaskKey: risk.TaskKey, Status: risk.Severity, Message: risk.Description}
}

func (o *Orchestrator) emit(evs ...Event) {
	if o.emitter == nil {
		return
	}
	for _, ev := range evs {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = o.now()
		}
		o.emitter.Emit(ev)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
