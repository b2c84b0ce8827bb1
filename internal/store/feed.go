package store

import "sync"

// Feed is a broadcast wake-up signal for change-feed waiters. Wait returns a
// channel that is closed by the next Notify.
type Feed struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewFeed returns a ready Feed.
func NewFeed() *Feed { return &Feed{ch: make(chan struct{})} }

// Wait returns the channel closed on the next Notify.
func (f *Feed) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

// Notify wakes every current waiter.
func (f *Feed) Notify() {
	f.mu.Lock()
	close(f.ch)
	f.ch = make(chan struct{})
	f.mu.Unlock()
}
