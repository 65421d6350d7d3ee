package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

const (
	defaultAuditBuffer = 256
	auditWriteTimeout  = 5 * time.Second
)

// AuditSink persists task lifecycle events.
type AuditSink interface {
	Record(ctx context.Context, ev models.AuditEvent) error
}

// auditor forwards events to a sink from a single goroutine. Sends never
// block; a full buffer drops the event.
type auditor struct {
	sink   AuditSink
	events chan models.AuditEvent

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newAuditor(sink AuditSink, size int) *auditor {
	a := &auditor{
		sink:   sink,
		events: make(chan models.AuditEvent, size),
		done:   make(chan struct{}),
	}
	go a.forward()
	return a
}

func (a *auditor) send(ev models.AuditEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.events <- ev:
		return true
	default:
		return false
	}
}

func (a *auditor) forward() {
	defer close(a.done)
	for ev := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := a.sink.Record(ctx, ev); err != nil {
			log.Printf("[queue] audit write for task %s failed: %v", ev.TaskID, err)
		}
		cancel()
	}
}

// close flushes buffered events and stops the forwarder.
func (a *auditor) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
}
