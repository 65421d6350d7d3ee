package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/foreman/internal/notify"
	"github.com/ShayCichocki/foreman/internal/reliability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
	fn    func(ctx context.Context, task models.Task) (*models.JobResult, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeExecutor(fn func(ctx context.Context, task models.Task) (*models.JobResult, error)) *fakeExecutor {
	return &fakeExecutor{calls: make(map[string]int), fn: fn}
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, task models.Task) (*models.JobResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls[task.ID]++
	f.order = append(f.order, task.Title)
	f.mu.Unlock()
	if f.fn == nil {
		return &models.JobResult{Provider: "static", Content: "done: " + task.Title}, nil
	}
	return f.fn(ctx, task)
}

func (f *fakeExecutor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func startQueue(t *testing.T, exec Executor, opts ...Option) *Queue {
	t.Helper()
	q := New(exec, opts...)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func spec(title string) models.TaskSpec {
	return models.TaskSpec{ProjectID: "proj", Title: title, Instruction: "do " + title}
}

func submit(t *testing.T, q *Queue, s models.TaskSpec) string {
	t.Helper()
	id, err := q.Submit(s)
	if err != nil {
		t.Fatalf("Submit(%s) error: %v", s.Title, err)
	}
	return id
}

func waitStatus(t *testing.T, q *Queue, id string, want models.TaskStatus) models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := q.Get(id)
		if err == nil && task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached %s (last %s, err %v)", id, want, task.Status, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmit_Validation(t *testing.T) {
	q := New(newFakeExecutor(nil), WithAllowedTools([]string{"read_file"}))

	tests := []struct {
		name  string
		mod   func(*models.TaskSpec)
		field string
	}{
		{"missing project", func(s *models.TaskSpec) { s.ProjectID = "" }, "project_id"},
		{"empty instruction", func(s *models.TaskSpec) { s.Instruction = "" }, "instruction"},
		{"instruction too long", func(s *models.TaskSpec) { s.Instruction = strings.Repeat("x", MaxInstructionLength+1) }, "instruction"},
		{"unknown priority", func(s *models.TaskSpec) { s.Priority = "urgent" }, "priority"},
		{"tool not permitted", func(s *models.TaskSpec) { s.AllowedTools = []string{"run_command"} }, "allowed_tools"},
		{"unknown dependency", func(s *models.TaskSpec) { s.DependsOn = []string{"missing"} }, "depends_on"},
		{"negative cost", func(s *models.TaskSpec) { s.Constraints.MaxCost = -1 }, "constraints.max_cost"},
		{"unknown intent", func(s *models.TaskSpec) { s.Constraints.Intent = "poetry" }, "constraints.intent"},
		{"bad webhook", func(s *models.TaskSpec) { s.WebhookURL = "ftp://example.com/hook" }, "webhook_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := spec("x")
			tt.mod(&s)
			_, err := q.Submit(s)
			var ve *reliability.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	t.Run("instruction at limit accepted", func(t *testing.T) {
		s := spec("x")
		s.Instruction = strings.Repeat("é", MaxInstructionLength)
		if _, err := q.Submit(s); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("priority defaults to normal", func(t *testing.T) {
		id, err := q.Submit(spec("x"))
		if err != nil {
			t.Fatal(err)
		}
		task, _ := q.Get(id)
		if task.Priority != models.PriorityNormal || task.Status != models.TaskStatusQueued {
			t.Errorf("got priority %s status %s", task.Priority, task.Status)
		}
		if task.MaxRetries != DefaultMaxRetries {
			t.Errorf("MaxRetries = %d", task.MaxRetries)
		}
	})
}

func TestDependencyGating(t *testing.T) {
	releaseA := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		if task.Title == "a" {
			<-releaseA
		}
		return &models.JobResult{Content: task.Title}, nil
	})
	q := startQueue(t, exec)

	a := submit(t, q, spec("a"))
	bSpec := spec("b")
	bSpec.DependsOn = []string{a}
	b := submit(t, q, bSpec)

	waitStatus(t, q, a, models.TaskStatusRunning)
	time.Sleep(30 * time.Millisecond)
	if task, _ := q.Get(b); task.Status != models.TaskStatusQueued {
		t.Fatalf("dependent started before its dependency finished: %s", task.Status)
	}

	close(releaseA)
	doneA := waitStatus(t, q, a, models.TaskStatusCompleted)
	doneB := waitStatus(t, q, b, models.TaskStatusCompleted)
	if doneB.StartedAt.Before(*doneA.CompletedAt) {
		t.Error("dependent started before dependency completed")
	}
	if got := exec.callCount(b); got != 1 {
		t.Errorf("dependent executed %d times, want exactly 1", got)
	}
}

func TestDependentBecomesEligibleExactlyOnce(t *testing.T) {
	exec := newFakeExecutor(nil)
	q := startQueue(t, exec)

	a := submit(t, q, spec("a"))
	var deps []string
	for i := 0; i < 5; i++ {
		s := spec(fmt.Sprintf("b%d", i))
		s.DependsOn = []string{a}
		deps = append(deps, submit(t, q, s))
	}
	for i := 0; i < 20; i++ {
		q.Kick()
	}
	for _, id := range deps {
		waitStatus(t, q, id, models.TaskStatusCompleted)
		if n := exec.callCount(id); n != 1 {
			t.Errorf("task %s executed %d times", id, n)
		}
	}
}

func TestRetryBound(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		return nil, &reliability.ProviderCallError{Provider: "p", StatusCode: 503, Message: "overloaded"}
	})
	q := startQueue(t, exec, WithBackoffBase(time.Millisecond))

	id := submit(t, q, spec("flaky"))
	task := waitStatus(t, q, id, models.TaskStatusFailed)

	if got := exec.callCount(id); got != DefaultMaxRetries+1 {
		t.Errorf("executed %d times, want %d", got, DefaultMaxRetries+1)
	}
	if task.RetryCount != DefaultMaxRetries {
		t.Errorf("RetryCount = %d, want %d", task.RetryCount, DefaultMaxRetries)
	}
	if !strings.Contains(task.Error, "overloaded") || !strings.Contains(task.Error, "after 3 retries") {
		t.Errorf("unexpected error %q", task.Error)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		if attempts.Add(1) < 3 {
			return nil, reliability.ErrRateLimited
		}
		return &models.JobResult{Content: "ok"}, nil
	})
	q := startQueue(t, exec, WithBackoffBase(time.Millisecond))

	id := submit(t, q, spec("eventually"))
	task := waitStatus(t, q, id, models.TaskStatusCompleted)
	if task.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", task.RetryCount)
	}
	if task.Error != "" {
		t.Errorf("completed task kept error %q", task.Error)
	}
	if task.Result == nil || task.Result.Content != "ok" {
		t.Errorf("unexpected result %+v", task.Result)
	}
}

func TestNonRetryableFailsWithoutBackoff(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"disallowed tool", fmt.Errorf("task requested %q: %w", "git", reliability.ErrDisallowedTool)},
		{"auth", &reliability.ProviderCallError{Provider: "p", StatusCode: 401}},
		{"no provider", fmt.Errorf("select: %w", reliability.ErrNoProviderAvailable)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
				return nil, tt.err
			})
			// A long backoff would stall the test if a retry were scheduled.
			q := startQueue(t, exec, WithBackoffBase(time.Hour))

			id := submit(t, q, spec("x"))
			task := waitStatus(t, q, id, models.TaskStatusFailed)
			if task.RetryCount != 0 {
				t.Errorf("RetryCount = %d, want 0", task.RetryCount)
			}
			if exec.callCount(id) != 1 {
				t.Errorf("executed %d times", exec.callCount(id))
			}
		})
	}
}

func TestPriorityThenFIFOOrder(t *testing.T) {
	exec := newFakeExecutor(nil)
	q := New(exec, WithMaxConcurrent(1))
	t.Cleanup(q.Stop)

	order := []struct {
		title    string
		priority models.Priority
		project  string
	}{
		{"low-1", models.PriorityLow, "a"},
		{"normal-1", models.PriorityNormal, "a"},
		{"high-b", models.PriorityHigh, "b"},
		{"high-a1", models.PriorityHigh, "a"},
		{"high-a2", models.PriorityHigh, "a"},
		{"normal-2", models.PriorityNormal, "a"},
	}
	for _, o := range order {
		s := spec(o.title)
		s.Priority = o.priority
		s.ProjectID = o.project
		submit(t, q, s)
	}

	q.Start(context.Background())
	for _, task := range q.List(Filter{}) {
		waitStatus(t, q, task.ID, models.TaskStatusCompleted)
	}

	want := []string{"high-a1", "high-a2", "high-b", "normal-1", "normal-2", "low-1"}
	got := exec.executed()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("execution order = %v, want %v", got, want)
	}
}

func TestMaxConcurrent(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		time.Sleep(10 * time.Millisecond)
		return &models.JobResult{}, nil
	})
	q := startQueue(t, exec, WithMaxConcurrent(2))

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, submit(t, q, spec(fmt.Sprintf("t%d", i))))
	}
	for _, id := range ids {
		waitStatus(t, q, id, models.TaskStatusCompleted)
	}
	if got := exec.maxInFlight.Load(); got > 2 {
		t.Errorf("max in flight = %d, want <= 2", got)
	}
}

func TestTaskTimeout(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q := startQueue(t, exec, WithTaskTimeout(20*time.Millisecond), WithMaxRetries(1), WithBackoffBase(time.Millisecond))

	id := submit(t, q, spec("slow"))
	task := waitStatus(t, q, id, models.TaskStatusFailed)
	if !strings.Contains(task.Error, reliability.ErrTimeout.Error()) {
		t.Errorf("error %q does not mention timeout", task.Error)
	}
	if task.RetryCount != 1 {
		t.Errorf("timeout should be retried, RetryCount = %d", task.RetryCount)
	}
}

func TestTaskTimeout_ExecutorIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		if task.Title == "stuck" {
			<-release
		}
		return &models.JobResult{Content: "late " + task.Title}, nil
	})
	q := startQueue(t, exec, WithTaskTimeout(30*time.Millisecond), WithMaxRetries(0), WithMaxConcurrent(1))
	t.Cleanup(func() { close(release) })

	stuck := submit(t, q, spec("stuck"))
	other := submit(t, q, spec("other"))

	task := waitStatus(t, q, stuck, models.TaskStatusFailed)
	if !strings.Contains(task.Error, reliability.ErrTimeout.Error()) {
		t.Errorf("error %q does not mention timeout", task.Error)
	}
	if task.Result != nil {
		t.Errorf("timed out task kept a result: %+v", task.Result)
	}

	// The slot is freed at the deadline, not when the executor returns.
	waitStatus(t, q, other, models.TaskStatusCompleted)

	release <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	task, err := q.Get(stuck)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != models.TaskStatusFailed || task.Result != nil {
		t.Errorf("late result was accepted: status %s, result %+v", task.Status, task.Result)
	}
}

func TestStartContextCancelledHaltsQueue(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q := New(exec, WithBackoffBase(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	id := submit(t, q, spec("blocked"))
	waitStatus(t, q, id, models.TaskStatusRunning)
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := q.Submit(spec("after")); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue still accepts work after its context was cancelled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the context was cancelled")
	}
	if n := exec.callCount(id); n != 1 {
		t.Errorf("executor called %d times after cancellation, want 1", n)
	}
}

func TestCancel(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		q := New(newFakeExecutor(nil))
		if err := q.Cancel("nope", "alice"); !errors.Is(err, reliability.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("queued task requires owner or admin", func(t *testing.T) {
		q := New(newFakeExecutor(nil), WithAdmins("root"))
		s := spec("x")
		s.RequesterID = "alice"
		id := submit(t, q, s)

		if err := q.Cancel(id, "bob"); !errors.Is(err, reliability.ErrAccessDenied) {
			t.Fatalf("expected ErrAccessDenied, got %v", err)
		}
		if err := q.Cancel(id, "root"); err != nil {
			t.Fatalf("admin cancel failed: %v", err)
		}
		task, _ := q.Get(id)
		if task.Status != models.TaskStatusCancelled {
			t.Errorf("status = %s", task.Status)
		}
		if q.Depth()[models.PriorityNormal] != 0 {
			t.Error("cancelled task still pending")
		}
		if err := q.Cancel(id, "alice"); err != nil {
			t.Errorf("repeat cancel should be a no-op, got %v", err)
		}
	})

	t.Run("running task context cancelled and late result discarded", func(t *testing.T) {
		started := make(chan struct{})
		exited := make(chan struct{})
		exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
			close(started)
			<-ctx.Done()
			defer close(exited)
			return &models.JobResult{Content: "late"}, nil
		})
		q := startQueue(t, exec)
		id := submit(t, q, spec("long"))
		<-started

		if err := q.Cancel(id, ""); err != nil {
			t.Fatal(err)
		}
		<-exited
		time.Sleep(20 * time.Millisecond)
		task, _ := q.Get(id)
		if task.Status != models.TaskStatusCancelled || task.Result != nil {
			t.Errorf("late result applied: status %s result %+v", task.Status, task.Result)
		}
		if err := q.Cancel(id, ""); err != nil {
			t.Errorf("cancel of cancelled task: %v", err)
		}
	})

	t.Run("completed task cannot be cancelled", func(t *testing.T) {
		q := startQueue(t, newFakeExecutor(nil))
		id := submit(t, q, spec("x"))
		waitStatus(t, q, id, models.TaskStatusCompleted)
		if err := q.Cancel(id, ""); !errors.Is(err, reliability.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestFailedDependencyFailsDependents(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, task models.Task) (*models.JobResult, error) {
		if task.Title == "a" {
			return nil, reliability.NonRetryable(errors.New("bad input"))
		}
		return &models.JobResult{}, nil
	})
	q := startQueue(t, exec)

	a := submit(t, q, spec("a"))
	b := spec("b")
	b.DependsOn = []string{a}
	bID := submit(t, q, b)
	c := spec("c")
	c.DependsOn = []string{bID}
	cID := submit(t, q, c)

	waitStatus(t, q, a, models.TaskStatusFailed)
	taskB := waitStatus(t, q, bID, models.TaskStatusFailed)
	waitStatus(t, q, cID, models.TaskStatusFailed)
	if !strings.Contains(taskB.Error, a) {
		t.Errorf("dependency error should name %s: %q", a, taskB.Error)
	}
	if exec.callCount(bID) != 0 || exec.callCount(cID) != 0 {
		t.Error("dependents should never execute")
	}
}

func TestScheduledSubmission(t *testing.T) {
	q := startQueue(t, newFakeExecutor(nil))
	s := spec("later")
	s.ScheduledAt = time.Now().Add(50 * time.Millisecond)
	id := submit(t, q, s)

	task, _ := q.Get(id)
	if task.Status != models.TaskStatusScheduled {
		t.Fatalf("status = %s, want scheduled", task.Status)
	}
	done := waitStatus(t, q, id, models.TaskStatusCompleted)
	if done.StartedAt.Before(s.ScheduledAt) {
		t.Error("scheduled task started early")
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEvictionKeepsIDsKnown(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q := startQueue(t, newFakeExecutor(nil), WithClock(clock.Now), WithRetention(time.Minute))

	id := submit(t, q, spec("old"))
	waitStatus(t, q, id, models.TaskStatusCompleted)

	clock.Advance(2 * time.Minute)
	q.pass()
	if _, err := q.Get(id); !errors.Is(err, reliability.ErrNotFound) {
		t.Fatalf("expected evicted task to be gone, got %v", err)
	}
	if status, ok := q.Status(id); !ok || status != models.TaskStatusCompleted {
		t.Errorf("Status = %s, %v", status, ok)
	}

	next := spec("next")
	next.DependsOn = []string{id}
	waitStatus(t, q, submit(t, q, next), models.TaskStatusCompleted)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return true
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *recordingSink) Record(_ context.Context, ev models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestSubscribersNotifierAndAudit(t *testing.T) {
	notes := &recordingNotifier{}
	sink := &recordingSink{}
	var seen atomic.Int32
	exec := newFakeExecutor(nil)
	q := New(exec, WithNotifier(notes), WithAuditSink(sink))
	q.Subscribe(func(task models.Task) {
		if task.Status == models.TaskStatusCompleted {
			seen.Add(1)
		}
	})
	q.Start(context.Background())

	s := spec("hooked")
	s.WebhookURL = "https://example.com/hook"
	id := submit(t, q, s)
	waitStatus(t, q, id, models.TaskStatusCompleted)
	q.Stop()

	if seen.Load() != 1 {
		t.Errorf("listener calls = %d, want 1", seen.Load())
	}
	notes.mu.Lock()
	if len(notes.notes) != 1 || notes.notes[0].Payload.TaskID != id || notes.notes[0].Payload.Status != models.TaskStatusCompleted {
		t.Errorf("unexpected notifications %+v", notes.notes)
	}
	notes.mu.Unlock()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var kinds []string
	for _, ev := range sink.events {
		kinds = append(kinds, string(ev.Kind))
	}
	if strings.Join(kinds, ",") != "enqueued,started,completed" {
		t.Errorf("audit kinds = %v", kinds)
	}
}

func TestList_Filters(t *testing.T) {
	q := New(newFakeExecutor(nil))
	a := spec("a")
	a.WorkflowID = "wf-1"
	submit(t, q, a)
	b := spec("b")
	b.ProjectID = "other"
	b.Priority = models.PriorityHigh
	submit(t, q, b)

	if got := len(q.List(Filter{})); got != 2 {
		t.Errorf("List all = %d", got)
	}
	if got := q.List(Filter{WorkflowID: "wf-1"}); len(got) != 1 || got[0].Title != "a" {
		t.Errorf("workflow filter = %+v", got)
	}
	if got := q.List(Filter{Priority: models.PriorityHigh}); len(got) != 1 || got[0].ProjectID != "other" {
		t.Errorf("priority filter = %+v", got)
	}
	if got := len(q.List(Filter{Status: models.TaskStatusRunning})); got != 0 {
		t.Errorf("status filter = %d", got)
	}
}
