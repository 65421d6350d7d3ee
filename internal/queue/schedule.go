package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ShayCichocki/foreman/internal/notify"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

type depState int

const (
	depsReady depState = iota
	depsWaiting
	depsBroken
)

type launch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	attempt int
	task    models.Task
}

// pass runs one synchronous scheduling scan and launches whatever it started.
func (q *Queue) pass() {
	q.mu.Lock()
	if !q.started || q.stopped || q.ctx.Err() != nil {
		q.mu.Unlock()
		return
	}
	launches, failed := q.scheduleLocked()
	q.mu.Unlock()

	for _, t := range failed {
		q.announce(t)
	}
	for _, l := range launches {
		go q.run(l)
	}
}

// scheduleLocked walks the tiers high to low, projects in name order and
// tasks in FIFO order. Ready tasks start while slots remain; tasks whose
// dependencies can never complete are failed. The scan repeats until a
// full sweep changes nothing. Caller must hold q.mu.
func (q *Queue) scheduleLocked() ([]launch, []models.Task) {
	var (
		launches []launch
		failed   []models.Task
	)
	for changed := true; changed; {
		changed = false
		for _, p := range models.Priorities {
			tier := q.pending[p]
			for _, project := range sortedProjects(tier) {
				kept := make([]string, 0, len(tier[project]))
				for _, id := range tier[project] {
					e, ok := q.tasks[id]
					if !ok || e.task.Status != models.TaskStatusQueued {
						continue
					}
					state, blocker := q.depStateLocked(&e.task)
					switch {
					case state == depsBroken:
						msg := fmt.Sprintf("dependency %s ended %s", blocker, q.known[blocker])
						q.finishLocked(e, models.TaskStatusFailed, msg)
						q.auditLocked(models.AuditFailed, &e.task, msg)
						failed = append(failed, e.task.Clone())
						changed = true
					case state == depsReady && q.running < q.maxConcurrent:
						launches = append(launches, q.startLocked(e))
					default:
						kept = append(kept, id)
					}
				}
				if len(kept) == 0 {
					delete(tier, project)
				} else {
					tier[project] = kept
				}
			}
		}
	}
	q.evictLocked(q.now())
	q.gaugesLocked()
	return launches, failed
}

func (q *Queue) depStateLocked(t *models.Task) (depState, string) {
	state := depsReady
	for _, dep := range t.DependsOn {
		switch q.known[dep] {
		case models.TaskStatusCompleted:
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			return depsBroken, dep
		default:
			state = depsWaiting
		}
	}
	return state, ""
}

func (q *Queue) startLocked(e *entry) launch {
	now := q.now()
	e.attempt++
	e.task.Status = models.TaskStatusRunning
	e.task.StartedAt = &now
	e.task.CompletedAt = nil
	q.known[e.task.ID] = e.task.Status

	ctx, cancel := context.WithTimeout(q.ctx, q.taskTimeout)
	e.cancel = cancel
	q.running++
	q.wg.Add(1)
	q.auditLocked(models.AuditStarted, &e.task, fmt.Sprintf("attempt %d", e.attempt))
	return launch{ctx: ctx, cancel: cancel, attempt: e.attempt, task: e.task.Clone()}
}

func (q *Queue) run(l launch) {
	defer q.wg.Done()
	defer l.cancel()

	log.Printf("[queue] starting task %s (attempt %d)", l.task.ID, l.attempt)

	// The executor may ignore ctx, so the attempt ends at the deadline
	// whether or not it returns. A late result is dropped by finish.
	out := make(chan outcome, 1)
	go func() {
		result, err := q.executor.ExecuteTask(l.ctx, l.task)
		out <- outcome{result: result, err: err}
	}()

	var o outcome
	select {
	case o = <-out:
	case <-l.ctx.Done():
		o.err = l.ctx.Err()
	}
	if errors.Is(l.ctx.Err(), context.DeadlineExceeded) && !errors.Is(o.err, reliability.ErrTimeout) {
		o.result = nil
		o.err = fmt.Errorf("task %s exceeded %v: %w", l.task.ID, q.taskTimeout, reliability.ErrTimeout)
	}
	q.finish(l.task.ID, l.attempt, o.result, o.err)
}

type outcome struct {
	result *models.JobResult
	err    error
}

// finish records the outcome of an attempt. Results for tasks that are no
// longer running, such as cancelled ones, are discarded.
func (q *Queue) finish(id string, attempt int, result *models.JobResult, err error) {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok || q.stopped || q.ctx.Err() != nil || e.attempt != attempt || e.task.Status != models.TaskStatusRunning {
		q.mu.Unlock()
		log.Printf("[queue] discarding late result for task %s", id)
		return
	}
	e.cancel = nil
	q.running--

	var done *models.Task
	switch {
	case err == nil:
		e.task.Result = result
		q.finishLocked(e, models.TaskStatusCompleted, "")
		q.auditLocked(models.AuditCompleted, &e.task, "")
		c := e.task.Clone()
		done = &c
	case !reliability.IsNonRetryable(err) && e.task.RetryCount < e.task.MaxRetries:
		e.task.RetryCount++
		e.task.Error = err.Error()
		e.task.Status = models.TaskStatusQueued
		q.known[id] = e.task.Status
		delay := reliability.ExponentialBackoff(e.task.RetryCount, q.backoffBase, 0)
		e.timer = time.AfterFunc(delay, func() { q.requeue(id) })
		q.metrics.TaskRetried()
		q.auditLocked(models.AuditRetried, &e.task, fmt.Sprintf("retry %d in %v: %v", e.task.RetryCount, delay, err))
		log.Printf("[queue] task %s failed (%v), retry %d/%d in %v", id, err, e.task.RetryCount, e.task.MaxRetries, delay)
	default:
		msg := err.Error()
		if e.task.RetryCount > 0 {
			msg = fmt.Sprintf("%v (after %d retries)", err, e.task.RetryCount)
		}
		q.finishLocked(e, models.TaskStatusFailed, msg)
		q.auditLocked(models.AuditFailed, &e.task, msg)
		c := e.task.Clone()
		done = &c
		log.Printf("[queue] task %s failed: %s", id, msg)
	}
	q.mu.Unlock()

	if done != nil {
		q.announce(*done)
	}
	q.pass()
}

// requeue moves a task out of retry backoff onto the tail of its tier.
func (q *Queue) requeue(id string) {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok || e.task.Status != models.TaskStatusQueued || e.timer == nil {
		q.mu.Unlock()
		return
	}
	e.timer = nil
	q.enqueueLocked(e, q.now())
	q.mu.Unlock()
	q.Kick()
}

// release moves a scheduled task into its tier once its time arrives.
func (q *Queue) release(id string) {
	q.mu.Lock()
	e, ok := q.tasks[id]
	if !ok || e.task.Status != models.TaskStatusScheduled {
		q.mu.Unlock()
		return
	}
	e.timer = nil
	q.enqueueLocked(e, q.now())
	q.auditLocked(models.AuditEnqueued, &e.task, "scheduled time reached")
	q.mu.Unlock()
	q.Kick()
}

func (q *Queue) enqueueLocked(e *entry, now time.Time) {
	e.task.Status = models.TaskStatusQueued
	e.task.QueuedAt = &now
	q.known[e.task.ID] = e.task.Status
	tier := q.pending[e.task.Priority]
	tier[e.task.ProjectID] = append(tier[e.task.ProjectID], e.task.ID)
}

func (q *Queue) removePendingLocked(t *models.Task) {
	tier := q.pending[t.Priority]
	ids := tier[t.ProjectID]
	for i, id := range ids {
		if id == t.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(tier, t.ProjectID)
	} else {
		tier[t.ProjectID] = ids
	}
}

func (q *Queue) finishLocked(e *entry, status models.TaskStatus, msg string) {
	now := q.now()
	e.task.Status = status
	e.task.CompletedAt = &now
	if status == models.TaskStatusCompleted {
		e.task.Error = ""
	} else if msg != "" {
		e.task.Error = msg
	}
	q.known[e.task.ID] = status
	q.metrics.TaskFinished(string(status))
	if e.task.StartedAt != nil {
		q.metrics.ObserveAttempt(now.Sub(*e.task.StartedAt))
	}
}

// evictLocked drops terminal tasks older than the retention window. Their
// final status stays in q.known.
func (q *Queue) evictLocked(now time.Time) {
	cutoff := now.Add(-q.retention)
	for id, e := range q.tasks {
		if e.task.Status.Terminal() && e.task.CompletedAt != nil && e.task.CompletedAt.Before(cutoff) {
			delete(q.tasks, id)
		}
	}
}

func (q *Queue) gaugesLocked() {
	if q.metrics == nil {
		return
	}
	for _, p := range models.Priorities {
		n := 0
		for _, ids := range q.pending[p] {
			n += len(ids)
		}
		q.metrics.SetQueueDepth(string(p), n)
	}
	q.metrics.SetRunning(q.running)
}

func (q *Queue) announce(t models.Task) {
	q.mu.Lock()
	listeners := append([]func(models.Task){}, q.listeners...)
	q.mu.Unlock()

	for _, fn := range listeners {
		fn(t.Clone())
	}
	if q.notifier != nil && t.WebhookURL != "" {
		q.notifier.Notify(notify.NewNotification(t))
	}
}

func (q *Queue) auditLocked(kind models.AuditKind, t *models.Task, detail string) {
	if q.audit == nil {
		return
	}
	ev := models.AuditEvent{
		Kind:       kind,
		TaskID:     t.ID,
		ProjectID:  t.ProjectID,
		WorkflowID: t.WorkflowID,
		Status:     t.Status,
		RetryCount: t.RetryCount,
		Detail:     detail,
		Timestamp:  q.now(),
	}
	if t.Result != nil {
		ev.Provider = t.Result.Provider
		ev.Cost = t.Result.Cost
	}
	if !q.audit.send(ev) {
		q.metrics.AuditDrop()
	}
}

func sortedProjects(tier map[string][]string) []string {
	out := make([]string, 0, len(tier))
	for p := range tier {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortTasks(tasks []models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
