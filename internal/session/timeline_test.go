package session

import (
	"testing"
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, at time.Duration) *domain.Message {
	return &domain.Message{ID: id, ChatID: "room1", Sender: "b", Content: id, Timestamp: t0.Add(at), Type: domain.TypeText}
}

func ids(ms []*domain.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestTimeline_OrdersOutOfOrderArrivals(t *testing.T) {
	tl := NewTimeline()
	tl.Insert(msg("c", 3*time.Second))
	tl.Insert(msg("a", time.Second))
	tl.Insert(msg("b", 3*time.Second)) // same timestamp as c, ties by id
	tl.Insert(msg("z", 0))

	got := ids(tl.Snapshot())
	want := []string{"z", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if tl.Insert(msg("a", time.Hour)) {
		t.Fatalf("duplicate id inserted")
	}
	if tl.Len() != 4 {
		t.Fatalf("len = %d", tl.Len())
	}
}

func TestTimeline_MergeAndRemove(t *testing.T) {
	tl := NewTimeline()
	m := msg("a", 0)
	m.Status = domain.StatusSent
	tl.Insert(m)

	upd := msg("a", 0)
	upd.Content = "edited"
	upd.Edited = true
	upd.Status = domain.StatusRead
	upd.ReadBy = map[string]time.Time{"c": t0.Add(time.Minute)}
	upd.Reactions = map[string][]string{"👍": {"c"}}
	if !tl.Merge(upd) {
		t.Fatalf("merge of known id failed")
	}
	got, _ := tl.Get("a")
	if got.Content != "edited" || !got.Edited || got.Status != domain.StatusRead {
		t.Fatalf("merged = %+v", got)
	}
	if _, ok := got.ReadBy["c"]; !ok || len(got.Reactions["👍"]) != 1 {
		t.Fatalf("receipts/reactions not merged: %+v", got)
	}

	back := msg("a", 0)
	back.Status = domain.StatusSent
	tl.Merge(back)
	if got, _ := tl.Get("a"); got.Status != domain.StatusRead {
		t.Fatalf("status went backwards to %s", got.Status)
	}

	if tl.Merge(msg("nope", 0)) {
		t.Fatalf("merge of unknown id reported true")
	}
	if !tl.Remove("a") || tl.Remove("a") || tl.Len() != 0 {
		t.Fatalf("remove wrong")
	}
}
