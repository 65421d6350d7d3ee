// Package notify delivers task completion webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/pkg/models"
)

const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultTimeout     = 10 * time.Second
	defaultFailureKeep = 100
)

// Payload is the JSON body POSTed to a task's webhook.
type Payload struct {
	TaskID string            `json:"taskId"`
	Status models.TaskStatus `json:"status"`
	Result *models.JobResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	// Duration is the execution time in milliseconds.
	Duration int64 `json:"duration"`
}

// Notification is one webhook delivery.
type Notification struct {
	URL     string
	Payload Payload
}

// NewNotification builds the delivery for a terminal task.
func NewNotification(task models.Task) Notification {
	p := Payload{
		TaskID:   task.ID,
		Status:   task.Status,
		Error:    task.Error,
		Duration: task.Duration().Milliseconds(),
	}
	if task.Status == models.TaskStatusCompleted {
		p.Result = task.Result
	}
	return Notification{URL: task.WebhookURL, Payload: p}
}

// Failure records a delivery that did not succeed.
type Failure struct {
	TaskID string
	URL    string
	Err    string
	At     time.Time
}

// Notifier posts webhooks from a bounded worker pool. Deliveries are
// best-effort and never retried.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	metrics *observability.Metrics
	jobs    chan Notification
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// mu protects closed and the failure ring.
	mu       sync.Mutex
	closed   bool
	failures []Failure
	next     int
	keep     int
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the delivery client. The notifier timeout still
// bounds every delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithMetrics counts failed deliveries.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithFailureLog sets how many failures Failures keeps.
func WithFailureLog(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.keep = size
		}
	}
}

// New starts a notifier with workers goroutines and a queue of queueSize.
func New(workers, queueSize int, timeout time.Duration, opts ...Option) *Notifier {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	n := &Notifier{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		jobs:    make(chan Notification, queueSize),
		keep:    defaultFailureKeep,
	}
	for _, opt := range opts {
		opt(n)
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify enqueues a delivery. It never blocks; a full queue or closed
// notifier records a failure and returns false.
func (n *Notifier) Notify(note Notification) bool {
	if note.URL == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.recordLocked(note, fmt.Errorf("notifier closed"))
		return false
	}
	select {
	case n.jobs <- note:
		return true
	default:
		n.dropped.Add(1)
		n.recordLocked(note, fmt.Errorf("delivery queue full"))
		return false
	}
}

// Dropped returns how many deliveries were rejected because the queue was full.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Failures returns the most recent failures, oldest first.
func (n *Notifier) Failures() []Failure {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.failures) < n.keep {
		return append([]Failure(nil), n.failures...)
	}
	out := make([]Failure, 0, n.keep)
	out = append(out, n.failures[n.next:]...)
	out = append(out, n.failures[:n.next]...)
	return out
}

// Close stops accepting deliveries and waits for queued ones to finish.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.jobs)
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for note := range n.jobs {
		if err := n.deliver(note); err != nil {
			log.Printf("[notify] webhook for task %s failed: %v", note.Payload.TaskID, err)
			n.mu.Lock()
			n.recordLocked(note, err)
			n.mu.Unlock()
		}
	}
}

func (n *Notifier) deliver(note Notification) error {
	body, err := json.Marshal(note.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, note.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "foreman-webhook")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// recordLocked appends to the failure ring. Caller must hold n.mu.
func (n *Notifier) recordLocked(note Notification, err error) {
	n.metrics.WebhookFailed()
	f := Failure{TaskID: note.Payload.TaskID, URL: note.URL, Err: err.Error(), At: time.Now()}
	if len(n.failures) < n.keep {
		n.failures = append(n.failures, f)
		return
	}
	n.failures[n.next] = f
	n.next = (n.next + 1) % n.keep
}
