// Package timers provides one cancellable-timer registry per session or
// relay, keyed by (kind, chatId, userId). Owners cancel by key, by predicate
// or all at once on teardown, so no timer outlives the thing it belongs to.
package timers

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Key identifies one timer. Unused fields stay empty.
type Key struct {
	Kind   string
	ChatID string
	UserID string
}

// Registry is safe for concurrent use. Callbacks run on their own goroutine
// and never while the registry lock is held, so they may re-arm or cancel.
type Registry struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timers map[Key]*entry
	gen    uint64
	closed bool
}

type entry struct {
	t   clockwork.Timer
	gen uint64
	d   time.Duration
	fn  func()
}

// New returns an empty registry driven by clock.
func New(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{clock: clock, timers: make(map[Key]*entry)}
}

// Clock returns the clock the registry schedules on.
func (r *Registry) Clock() clockwork.Clock { return r.clock }

// Arm schedules fn after d under key, replacing any timer already armed
// there. It is a no-op after Close.
func (r *Registry) Arm(key Key, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if old, ok := r.timers[key]; ok {
		old.t.Stop()
	}
	r.timers[key] = r.schedule(key, d, fn)
}

// Reset restarts the timer under key with its original duration and
// callback. It reports false when nothing is armed.
func (r *Registry) Reset(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[key]
	if !ok || r.closed {
		return false
	}
	e.t.Stop()
	r.timers[key] = r.schedule(key, e.d, e.fn)
	return true
}

// Cancel stops the timer under key and reports whether one was armed.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(r.timers, key)
	return true
}

// Armed reports whether a timer is pending under key.
func (r *Registry) Armed(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[key]
	return ok
}

// CancelWhere stops every timer whose key matches and returns how many.
func (r *Registry) CancelWhere(match func(Key) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.timers {
		if match(k) {
			e.t.Stop()
			delete(r.timers, k)
			n++
		}
	}
	return n
}

// CancelAll stops every pending timer and returns how many there were.
func (r *Registry) CancelAll() int {
	return r.CancelWhere(func(Key) bool { return true })
}

// Close cancels everything and refuses further Arm calls.
func (r *Registry) Close() {
	r.CancelAll()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Len returns the number of pending timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// schedule must be called with r.mu held.
func (r *Registry) schedule(key Key, d time.Duration, fn func()) *entry {
	r.gen++
	gen := r.gen
	e := &entry{gen: gen, d: d, fn: fn}
	e.t = r.clock.AfterFunc(d, func() { go r.fire(key, gen) })
	return e
}

// fire runs the callback unless the timer was cancelled or replaced after
// it expired but before this goroutine got the lock.
func (r *Registry) fire(key Key, gen uint64) {
	r.mu.Lock()
	e, ok := r.timers[key]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.timers, key)
	r.mu.Unlock()
	e.fn()
}
