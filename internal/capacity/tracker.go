// Package capacity tracks per-(provider, credential) request rates and
// concurrency so callers never exceed a backend's limits.
package capacity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/foreman/internal/observability"
)

const (
	// DefaultRequestsPerMinute applies when a window is registered without a rate limit.
	DefaultRequestsPerMinute = 60
	// DefaultMaxConcurrent applies when a window is registered without a ceiling.
	DefaultMaxConcurrent = 4
	// DefaultSpan is the trailing window the rate limit is measured over.
	DefaultSpan = 60 * time.Second
)

// Key identifies one capacity window.
type Key struct {
	Provider   string
	Credential string
}

// String renders the key as "provider/credential".
func (k Key) String() string {
	if k.Credential == "" {
		return k.Provider + "/default"
	}
	return k.Provider + "/" + k.Credential
}

// Limits configures a window.
type Limits struct {
	RequestsPerMinute int
	MaxConcurrent     int
}

func (l Limits) withDefaults() Limits {
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = DefaultMaxConcurrent
	}
	return l
}

// WindowSnapshot is a read-only view of one window.
type WindowSnapshot struct {
	Key         Key
	InFlight    int
	RecentCalls int
	Limits      Limits
}

// window is the state of one key. Each window owns its own lock so calls
// against unrelated providers never contend.
type window struct {
	mu       sync.Mutex
	limits   Limits
	inFlight int
	calls    []time.Time
	// released is closed and replaced whenever in-flight drops.
	released chan struct{}
}

// compact drops call timestamps that fell out of the trailing span.
// Caller must hold w.mu.
func (w *window) compact(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

// blockedBy returns "", "concurrency" or "rate". Caller must hold w.mu.
func (w *window) blockedBy() string {
	if w.inFlight >= w.limits.MaxConcurrent {
		return "concurrency"
	}
	if len(w.calls) >= w.limits.RequestsPerMinute {
		return "rate"
	}
	return ""
}

// Tracker owns every capacity window in the process.
type Tracker struct {
	// mu protects the windows map itself, not the windows.
	mu      sync.RWMutex
	windows map[Key]*window

	// changeMu protects changed.
	changeMu sync.Mutex
	changed  chan struct{}

	now     func() time.Time
	span    time.Duration
	metrics *observability.Metrics
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSpan overrides the trailing rate window.
func WithSpan(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.span = d
		}
	}
}

// WithMetrics exports in-flight gauges and rejection counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		windows: make(map[Key]*window),
		changed: make(chan struct{}),
		now:     time.Now,
		span:    DefaultSpan,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ensure registers key with the given limits. Calling it again updates the
// limits of the existing window and keeps its counters.
func (t *Tracker) Ensure(key Key, limits Limits) {
	limits = limits.withDefaults()

	t.mu.Lock()
	w, ok := t.windows[key]
	if !ok {
		w = &window{limits: limits, released: make(chan struct{})}
		t.windows[key] = w
	}
	t.mu.Unlock()

	if ok {
		w.mu.Lock()
		w.limits = limits
		w.mu.Unlock()
	}
}

// window returns the window for key, creating a default one on first use.
func (t *Tracker) window(key Key) *window {
	t.mu.RLock()
	w, ok := t.windows[key]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[key]; ok {
		return w
	}
	w = &window{limits: Limits{}.withDefaults(), released: make(chan struct{})}
	t.windows[key] = w
	return w
}

// CanStart reports whether a call against key would be admitted right now.
func (t *Tracker) CanStart(key Key) bool {
	w := t.window(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compact(t.now(), t.span)
	return w.blockedBy() == ""
}

// Acquire admits one call if the window allows it. The returned release
// func must be called when the call finishes; extra calls are ignored.
func (t *Tracker) Acquire(key Key) (release func(), ok bool) {
	w := t.window(key)

	w.mu.Lock()
	now := t.now()
	w.compact(now, t.span)
	if reason := w.blockedBy(); reason != "" {
		w.mu.Unlock()
		t.metrics.CapacityRejected(key.String(), reason)
		return nil, false
	}
	w.inFlight++
	w.calls = append(w.calls, now)
	inFlight := w.inFlight
	w.mu.Unlock()

	t.metrics.SetInFlight(key.String(), inFlight)

	var once sync.Once
	return func() {
		once.Do(func() { t.release(key, w) })
	}, true
}

func (t *Tracker) release(key Key, w *window) {
	w.mu.Lock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	inFlight := w.inFlight
	close(w.released)
	w.released = make(chan struct{})
	w.mu.Unlock()

	t.metrics.SetInFlight(key.String(), inFlight)
	t.broadcast()
}

func (t *Tracker) broadcast() {
	t.changeMu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.changeMu.Unlock()
}

// Changed returns a channel closed the next time any window releases a call.
func (t *Tracker) Changed() <-chan struct{} {
	t.changeMu.Lock()
	defer t.changeMu.Unlock()
	return t.changed
}

// Wait blocks until a call against key is admitted or ctx ends.
func (t *Tracker) Wait(ctx context.Context, key Key) (func(), error) {
	w := t.window(key)
	for {
		if release, ok := t.Acquire(key); ok {
			return release, nil
		}

		w.mu.Lock()
		w.compact(t.now(), t.span)
		reason := w.blockedBy()
		released := w.released
		var retryIn time.Duration
		if reason == "rate" {
			// The oldest call ages out of the span first.
			retryIn = w.calls[0].Add(t.span).Sub(t.now())
			if retryIn <= 0 {
				retryIn = time.Millisecond
			}
		}
		w.mu.Unlock()

		if reason == "" {
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if retryIn > 0 {
			timer = time.NewTimer(retryIn)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-released:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Snapshot returns a copy of every window, sorted by key.
func (t *Tracker) Snapshot() []WindowSnapshot {
	t.mu.RLock()
	keys := make([]Key, 0, len(t.windows))
	windows := make([]*window, 0, len(t.windows))
	for k, w := range t.windows {
		keys = append(keys, k)
		windows = append(windows, w)
	}
	t.mu.RUnlock()

	now := t.now()
	out := make([]WindowSnapshot, len(keys))
	for i, w := range windows {
		w.mu.Lock()
		w.compact(now, t.span)
		out[i] = WindowSnapshot{
			Key:         keys[i],
			InFlight:    w.inFlight,
			RecentCalls: len(w.calls),
			Limits:      w.limits,
		}
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Reset forgets every window. Outstanding release funcs stay safe to call.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.windows = make(map[Key]*window)
	t.mu.Unlock()
}
