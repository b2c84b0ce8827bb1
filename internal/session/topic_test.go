package session

import (
	"testing"
)

func TestTopic_DeliversInOrderWithoutBlocking(t *testing.T) {
	topic := NewTopic[int]()
	sub := topic.Subscribe()
	defer sub.Close()

	// nobody reads yet; Publish must still return
	for i := 0; i < 100; i++ {
		topic.Publish(i)
	}
	for i := 0; i < 100; i++ {
		if got := next(t, sub); got != i {
			t.Fatalf("value %d: got %d", i, got)
		}
	}
}

func TestTopic_SubscribeWhereFilters(t *testing.T) {
	topic := NewTopic[string]()
	sub := topic.SubscribeWhere(func(s string) bool { return s == "room1" })
	defer sub.Close()

	topic.Publish("room2")
	topic.Publish("room1")
	if got := next(t, sub); got != "room1" {
		t.Fatalf("got %q", got)
	}
	quiet(t, sub)
}

func TestTopic_CloseEndsSubscriptions(t *testing.T) {
	topic := NewTopic[int]()
	sub := topic.Subscribe()
	topic.Close()

	for range sub.C() {
	}
	late := topic.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Fatalf("subscription after close must be closed")
	}
	topic.Publish(1) // no panic
}

func TestSubscription_CloseUnsubscribes(t *testing.T) {
	topic := NewTopic[int]()
	a := topic.Subscribe()
	b := topic.Subscribe()
	defer b.Close()

	a.Close()
	topic.Publish(7)
	if got := next(t, b); got != 7 {
		t.Fatalf("got %d", got)
	}
	topic.mu.Lock()
	n := len(topic.subs)
	topic.mu.Unlock()
	if n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
}
