// Package queue holds submitted tasks in priority tiers partitioned by
// project and drains them onto the execution engine.
package queue

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foreman/internal/notify"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

const (
	DefaultMaxConcurrent = 5
	DefaultTaskTimeout   = 5 * time.Minute
	DefaultMaxRetries    = 3
	DefaultBackoffBase   = time.Second
	DefaultRetention     = time.Hour

	// MaxInstructionLength bounds the instruction text in characters.
	MaxInstructionLength = 50000

	pollInterval = time.Second
)

// Executor runs one attempt of a task.
type Executor interface {
	ExecuteTask(ctx context.Context, task models.Task) (*models.JobResult, error)
}

// Notifier accepts webhook deliveries for finished tasks.
type Notifier interface {
	Notify(n notify.Notification) bool
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ProjectID  string
	WorkflowID string
	Status     models.TaskStatus
	Priority   models.Priority
}

func (f Filter) match(t *models.Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	return true
}

type entry struct {
	task models.Task
	// cancel stops the running attempt.
	cancel context.CancelFunc
	// timer fires for scheduled tasks and retry backoff.
	timer *time.Timer
	// attempt identifies the running attempt so a stale finish is ignored.
	attempt int
}

// Queue owns every task's state. One mutex guards all of it and is never
// held while calling the executor, listeners, the audit sink or the notifier.
type Queue struct {
	executor Executor

	maxConcurrent int
	taskTimeout   time.Duration
	maxRetries    int
	backoffBase   time.Duration
	retention     time.Duration
	allowedTools  map[string]bool
	admins        map[string]bool
	notifier      Notifier
	metrics       *observability.Metrics
	now           func() time.Time
	audit         *auditor

	mu        sync.Mutex
	tasks     map[string]*entry
	known     map[string]models.TaskStatus
	pending   map[models.Priority]map[string][]string
	running   int
	listeners []func(models.Task)
	ctx       context.Context
	started   bool
	stopped   bool

	trigger  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.taskTimeout = d
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithBackoffBase sets the unit of the 2^n retry delay.
func WithBackoffBase(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoffBase = d
		}
	}
}

// WithRetention sets how long terminal tasks stay queryable.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retention = d
		}
	}
}

// WithAuditSink records lifecycle events to sink without blocking the queue.
func WithAuditSink(sink AuditSink) Option {
	return func(q *Queue) {
		if sink != nil {
			q.audit = newAuditor(sink, defaultAuditBuffer)
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithAllowedTools restricts the tools a task may request. Without it any
// tool name is accepted.
func WithAllowedTools(names []string) Option {
	return func(q *Queue) {
		q.allowedTools = make(map[string]bool, len(names))
		for _, n := range names {
			q.allowedTools[n] = true
		}
	}
}

// WithAdmins lists requesters allowed to cancel any task.
func WithAdmins(ids ...string) Option {
	return func(q *Queue) {
		for _, id := range ids {
			q.admins[id] = true
		}
	}
}

// New creates a queue that runs tasks on executor. Call Start to begin draining.
func New(executor Executor, opts ...Option) *Queue {
	q := &Queue{
		executor:      executor,
		maxConcurrent: DefaultMaxConcurrent,
		taskTimeout:   DefaultTaskTimeout,
		maxRetries:    DefaultMaxRetries,
		backoffBase:   DefaultBackoffBase,
		retention:     DefaultRetention,
		admins:        make(map[string]bool),
		now:           time.Now,
		tasks:         make(map[string]*entry),
		known:         make(map[string]models.TaskStatus),
		pending:       make(map[models.Priority]map[string][]string),
		trigger:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, p := range models.Priorities {
		q.pending[p] = make(map[string][]string)
	}
	return q
}

// Start launches the drain loop. Tasks submitted before Start wait until it runs.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.ctx = ctx
	q.mu.Unlock()

	q.wg.Add(1)
	go q.loop(ctx)
	q.Kick()
}

// Stop cancels running tasks and waits for their goroutines to return.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.halt()
		q.wg.Wait()
		if q.audit != nil {
			q.audit.close()
		}
	})
}

// halt closes the queue to new work and cancels timers and running
// attempts. Results that arrive afterwards are discarded.
func (q *Queue) halt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	close(q.done)
	for _, e := range q.tasks {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.cancel != nil {
			e.cancel()
		}
	}
}

// Kick requests a scheduling pass.
func (q *Queue) Kick() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Nothing drains after this, so retries must not be left waiting.
			q.halt()
			return
		case <-q.done:
			return
		case <-q.trigger:
		case <-ticker.C:
		}
		q.pass()
	}
}

// Subscribe registers fn to be called with a snapshot of every task that
// reaches a terminal status.
func (q *Queue) Subscribe(fn func(models.Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Submit validates spec and enqueues it, returning the new task id.
func (q *Queue) Submit(spec models.TaskSpec) (string, error) {
	if err := q.validate(&spec); err != nil {
		return "", err
	}
	now := q.now()
	task := models.Task{
		ID:           uuid.NewString(),
		ProjectID:    spec.ProjectID,
		WorkflowID:   spec.WorkflowID,
		Title:        spec.Title,
		Instruction:  spec.Instruction,
		Priority:     spec.Priority,
		AllowedTools: append([]string(nil), spec.AllowedTools...),
		Constraints:  spec.Constraints,
		MaxRetries:   q.maxRetries,
		DependsOn:    append([]string(nil), spec.DependsOn...),
		WebhookURL:   spec.WebhookURL,
		RequesterID:  spec.RequesterID,
		Specialist:   spec.Specialist,
		CreatedAt:    now,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", fmt.Errorf("queue stopped")
	}
	for _, dep := range task.DependsOn {
		if _, ok := q.known[dep]; !ok {
			q.mu.Unlock()
			return "", reliability.Invalid("depends_on", "unknown task %q", dep)
		}
	}
	e := &entry{task: task}
	q.tasks[task.ID] = e
	kind := models.AuditEnqueued
	if !spec.ScheduledAt.IsZero() && spec.ScheduledAt.After(now) {
		at := spec.ScheduledAt
		e.task.ScheduledAt = &at
		e.task.Status = models.TaskStatusScheduled
		kind = models.AuditScheduled
		id := task.ID
		e.timer = time.AfterFunc(at.Sub(now), func() { q.release(id) })
	} else {
		q.enqueueLocked(e, now)
	}
	q.known[task.ID] = e.task.Status
	q.auditLocked(kind, &e.task, "")
	q.mu.Unlock()

	log.Printf("[queue] submitted task %s (project %s, priority %s)", task.ID, task.ProjectID, task.Priority)
	q.Kick()
	return task.ID, nil
}

func (q *Queue) validate(spec *models.TaskSpec) error {
	if spec.ProjectID == "" {
		return reliability.Invalid("project_id", "required")
	}
	if spec.Instruction == "" {
		return reliability.Invalid("instruction", "must not be empty")
	}
	if n := utf8.RuneCountInString(spec.Instruction); n > MaxInstructionLength {
		return reliability.Invalid("instruction", "length %d exceeds %d characters", n, MaxInstructionLength)
	}
	if spec.Priority == "" {
		spec.Priority = models.PriorityNormal
	}
	if !spec.Priority.Valid() {
		return reliability.Invalid("priority", "unknown value %q", spec.Priority)
	}
	if q.allowedTools != nil {
		for _, name := range spec.AllowedTools {
			if !q.allowedTools[name] {
				return reliability.Invalid("allowed_tools", "tool %q is not permitted", name)
			}
		}
	}
	if spec.Constraints.MaxCost < 0 {
		return reliability.Invalid("constraints.max_cost", "must not be negative")
	}
	if spec.Constraints.Intent != "" && !spec.Constraints.Intent.Valid() {
		return reliability.Invalid("constraints.intent", "unknown value %q", spec.Constraints.Intent)
	}
	if spec.WebhookURL != "" {
		u, err := url.Parse(spec.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return reliability.Invalid("webhook_url", "must be an absolute http or https URL")
		}
	}
	return nil
}

// Cancel cancels a task on behalf of requesterID.
func (q *Queue) Cancel(taskID, requesterID string) error {
	q.mu.Lock()
	e, ok := q.tasks[taskID]
	if !ok {
		_, evicted := q.known[taskID]
		q.mu.Unlock()
		if evicted {
			return reliability.Invalid("task_id", "task %s already finished", taskID)
		}
		return fmt.Errorf("task %s: %w", taskID, reliability.ErrNotFound)
	}
	if e.task.RequesterID != "" && e.task.RequesterID != requesterID && !q.admins[requesterID] {
		q.mu.Unlock()
		return fmt.Errorf("cancel task %s: %w", taskID, reliability.ErrAccessDenied)
	}
	switch e.task.Status {
	case models.TaskStatusCancelled:
		q.mu.Unlock()
		return nil
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		q.mu.Unlock()
		return reliability.Invalid("task_id", "task %s already %s", taskID, e.task.Status)
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	switch e.task.Status {
	case models.TaskStatusQueued:
		q.removePendingLocked(&e.task)
	case models.TaskStatusRunning:
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		q.running--
	}
	q.finishLocked(e, models.TaskStatusCancelled, "cancelled by "+orAnonymous(requesterID))
	q.auditLocked(models.AuditCancelled, &e.task, e.task.Error)
	done := e.task.Clone()
	q.mu.Unlock()

	log.Printf("[queue] task %s cancelled", taskID)
	q.announce(done)
	// Dependents of a cancelled task can no longer run.
	q.pass()
	return nil
}

func orAnonymous(id string) string {
	if id == "" {
		return "anonymous"
	}
	return id
}

// Get returns a snapshot of a task.
func (q *Queue) Get(taskID string) (models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[taskID]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, reliability.ErrNotFound)
	}
	return e.task.Clone(), nil
}

// Status returns the last known status of a task, including evicted ones.
func (q *Queue) Status(taskID string) (models.TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.known[taskID]
	return s, ok
}

// List returns matching tasks ordered by creation time.
func (q *Queue) List(f Filter) []models.Task {
	q.mu.Lock()
	out := make([]models.Task, 0, len(q.tasks))
	for _, e := range q.tasks {
		if f.match(&e.task) {
			out = append(out, e.task.Clone())
		}
	}
	q.mu.Unlock()
	sortTasks(out)
	return out
}

// Depth returns the number of queued tasks per priority.
func (q *Queue) Depth() map[models.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[models.Priority]int, len(models.Priorities))
	for _, p := range models.Priorities {
		for _, ids := range q.pending[p] {
			out[p] += len(ids)
		}
	}
	return out
}
