// Presence persistence.
//
// Presence changes are decided in memory under Relay.mu and written out by a
// single background writer. Pending records are coalesced per user (latest
// wins), written to the store, then copied to the optional mirror.
package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// PresenceMirror receives a copy of every durable presence write, e.g. a
// Redis hash other processes can read.
type PresenceMirror interface {
	SetPresence(ctx context.Context, p domain.Presence) error
}

// presenceWriter persists presence off the broadcast path. Writes for the
// same user coalesce: only the newest pending record is written.
type presenceWriter struct {
	store   Store
	mirror  PresenceMirror
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]domain.Presence
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newPresenceWriter(store Store, mirror PresenceMirror, log zerolog.Logger, timeout time.Duration) *presenceWriter {
	w := &presenceWriter{
		store:   store,
		mirror:  mirror,
		log:     log,
		timeout: timeout,
		pending: make(map[string]domain.Presence),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *presenceWriter) submit(p domain.Presence) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if cur, ok := w.pending[p.UserID]; ok && p.LastSeen.Before(cur.LastSeen) {
		w.mu.Unlock()
		return
	}
	w.pending[p.UserID] = p
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *presenceWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *presenceWriter) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]domain.Presence)
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	users := make([]string, 0, len(batch))
	for u := range batch {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		p := batch[u]
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if _, err := w.store.UpsertPresence(ctx, p); err != nil {
			w.log.Warn().Err(err).Str("user_id", u).Msg("presence write failed")
		}
		if w.mirror != nil {
			if err := w.mirror.SetPresence(ctx, p); err != nil {
				w.log.Warn().Err(err).Str("user_id", u).Msg("presence mirror failed")
			}
		}
		cancel()
	}
}

// close flushes what is pending and stops the writer.
func (w *presenceWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	<-w.done
}
