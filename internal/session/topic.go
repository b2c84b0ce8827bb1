package session

import "sync"

// Topic is a typed fan-out of values to any number of subscribers. Publish
// never blocks: each subscription queues values in order and hands them to
// its channel from its own goroutine.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	next   uint64
	closed bool
}

// NewTopic returns an open topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe returns a subscription receiving every value published from
// now on.
func (t *Topic[T]) Subscribe() *Subscription[T] { return t.SubscribeWhere(nil) }

// SubscribeWhere is Subscribe limited to values for which match is true.
// A nil match accepts everything.
func (t *Topic[T]) SubscribeWhere(match func(T) bool) *Subscription[T] {
	s := &Subscription[T]{
		topic: t,
		match: match,
		out:   make(chan T),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(s.done)
		close(s.out)
		return s
	}
	s.id = t.next
	t.next++
	t.subs[s.id] = s
	t.mu.Unlock()
	go s.pump()
	return s
}

// Publish queues v for every matching subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s.match == nil || s.match(v) {
			s.push(v)
		}
	}
}

// Close ends every subscription. Later subscriptions are closed at once.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[uint64]*Subscription[T])
	t.closed = true
	t.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// Subscription delivers a topic's values on C until closed.
type Subscription[T any] struct {
	topic *Topic[T]
	id    uint64
	match func(T) bool

	mu    sync.Mutex
	queue []T

	out  chan T
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Close unsubscribes. Values still queued are discarded.
func (s *Subscription[T]) Close() {
	s.topic.remove(s.id)
	s.stop()
}

func (s *Subscription[T]) stop() { s.once.Do(func() { close(s.done) }) }

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
