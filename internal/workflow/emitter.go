package workflow

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEmitterBuffer is the event buffer used when none is given.
const DefaultEmitterBuffer = 256

// Emitter delivers events to a single consumer over a buffered channel.
// When the consumer falls behind, events are dropped and counted.
type Emitter struct {
	events       chan Event
	wait         time.Duration
	droppedCount atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewEmitter creates an Emitter with the given buffer size. wait is how long
// Emit blocks on a full buffer before dropping.
func NewEmitter(bufferSize int, wait time.Duration) *Emitter {
	if bufferSize <= 0 {
		bufferSize = DefaultEmitterBuffer
	}
	return &Emitter{
		events: make(chan Event, bufferSize),
		wait:   wait,
	}
}

// Emit sends an event, dropping it if the buffer stays full for the wait period.
func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	if e.wait > 0 {
		timer := time.NewTimer(e.wait)
		defer timer.Stop()
		select {
		case e.events <- event:
			return
		case <-timer.C:
		}
	}
	count := e.droppedCount.Add(1)
	if count%10 == 1 {
		log.Printf("[workflow] event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
	}
}

// DroppedCount returns how many events have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	if e == nil {
		return 0
	}
	return e.droppedCount.Load()
}

// Events returns the consumer side of the channel.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the channel. Later Emit calls are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
