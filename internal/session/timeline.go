package session

import (
	"sort"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// Timeline is one chat's messages ordered by (timestamp, messageId).
// Out-of-order arrivals are inserted in place. It is not synchronized.
type Timeline struct {
	msgs []*domain.Message
	byID map[string]*domain.Message
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]*domain.Message)}
}

// Insert adds m in order and reports false if its ID is already present.
func (t *Timeline) Insert(m *domain.Message) bool {
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	i := sort.Search(len(t.msgs), func(i int) bool { return m.Less(t.msgs[i]) })
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	t.byID[m.ID] = m
	return true
}

// Get returns the stored message (not a copy).
func (t *Timeline) Get(id string) (*domain.Message, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// Merge folds the mutable fields of a newer snapshot into the stored
// message: content and edited flag, read receipts (earliest wins) and the
// reaction set. Status only moves forward. It reports false for unknown IDs.
func (t *Timeline) Merge(next *domain.Message) bool {
	cur, ok := t.byID[next.ID]
	if !ok {
		return false
	}
	if next.Edited {
		cur.Content = next.Content
		cur.Edited = true
	}
	for u, at := range next.ReadBy {
		cur.MarkRead(u, at)
	}
	if next.Reactions != nil {
		cur.Reactions = cloneReactions(next.Reactions)
	}
	if next.Status != "" && cur.Status != domain.StatusFailed {
		cur.Status = cur.Status.Advance(next.Status)
	}
	return true
}

// Remove deletes id and reports whether it was present.
func (t *Timeline) Remove(id string) bool {
	m, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	for i, x := range t.msgs {
		if x == m {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of messages.
func (t *Timeline) Len() int { return len(t.msgs) }

// Snapshot returns deep copies in order.
func (t *Timeline) Snapshot() []*domain.Message {
	out := make([]*domain.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.Clone()
	}
	return out
}

func cloneReactions(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
