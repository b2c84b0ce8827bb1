package session

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// DedupWindow is a bounded, time-ordered set of recently seen message IDs.
// Entries leave after the horizon or when the set outgrows its bound,
// oldest first. It is not synchronized.
type DedupWindow struct {
	clock   clockwork.Clock
	horizon time.Duration
	max     int

	seen  map[string]time.Time
	order []seenID
}

type seenID struct {
	id string
	at time.Time
}

// NewDedupWindow returns an empty window. max <= 0 means unbounded.
func NewDedupWindow(clock clockwork.Clock, horizon time.Duration, max int) *DedupWindow {
	return &DedupWindow{
		clock:   clock,
		horizon: horizon,
		max:     max,
		seen:    make(map[string]time.Time),
	}
}

// Seen reports whether id is already in the window; if not, it records it.
func (w *DedupWindow) Seen(id string) bool {
	now := w.clock.Now()
	w.evict(now)
	if _, ok := w.seen[id]; ok {
		return true
	}
	w.seen[id] = now
	w.order = append(w.order, seenID{id: id, at: now})
	if w.max > 0 && len(w.order) > w.max {
		w.drop(len(w.order) - w.max)
	}
	return false
}

// Contains reports whether id is in the window without recording it.
func (w *DedupWindow) Contains(id string) bool {
	w.evict(w.clock.Now())
	_, ok := w.seen[id]
	return ok
}

// Len returns the number of IDs in the window.
func (w *DedupWindow) Len() int {
	w.evict(w.clock.Now())
	return len(w.order)
}

func (w *DedupWindow) evict(now time.Time) {
	if w.horizon <= 0 {
		return
	}
	cutoff := now.Add(-w.horizon)
	n := 0
	for n < len(w.order) && !w.order[n].at.After(cutoff) {
		n++
	}
	w.drop(n)
}

func (w *DedupWindow) drop(n int) {
	for _, e := range w.order[:n] {
		// only forget the ID if this is its newest record
		if at, ok := w.seen[e.id]; ok && at.Equal(e.at) {
			delete(w.seen, e.id)
		}
	}
	w.order = append(w.order[:0], w.order[n:]...)
}
