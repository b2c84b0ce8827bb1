package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/relay"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/store"
)

// scriptedFeed is a ChangeSource whose batches the test pushes by hand.
type scriptedFeed struct {
	fakeStore
	batches chan []domain.Change
}

func (f *scriptedFeed) Changes(ctx context.Context, after int64, _ time.Duration) ([]domain.Change, int64, error) {
	select {
	case rows := <-f.batches:
		if after < 0 {
			after = 0
		}
		return rows, after + int64(len(rows)), nil
	case <-ctx.Done():
		return nil, after, ctx.Err()
	}
}

func newRelayStack(t *testing.T) (*store.Store, *relay.Relay, string) {
	t.Helper()
	dsn := fmt.Sprintf("file:session_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	ctx := context.Background()
	if _, err := repo.CreateChat(ctx, db, "room1", "Room", "a"); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if err := repo.AddParticipant(ctx, db, "room1", "b"); err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	st := store.New(db)
	rel := relay.New(st, relay.Options{Logger: zerolog.Nop()})
	srv := httptest.NewServer(http.HandlerFunc(rel.ServeWS))
	t.Cleanup(func() {
		rel.Close()
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return st, rel, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startSession(t *testing.T, url string, ms MessageStore, userID string, before func(*Session)) *Session {
	t.Helper()
	s := New(&WSDialer{URL: url}, ms, Options{UserID: userID, Logger: zerolog.Nop()})
	t.Cleanup(s.Close)
	if before != nil {
		before(s)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", userID, err)
	}
	return s
}

func TestSession_PushAndFeedDeliverOnce(t *testing.T) {
	st, rel, url := newRelayStack(t)
	ctx := context.Background()

	feed := &scriptedFeed{batches: make(chan []domain.Change, 4)}
	b := startSession(t, url, feed, "b", func(s *Session) {
		// joined while offline: the room is joined on connect
		if err := s.Rooms.JoinChat(ctx, "room1"); err != nil {
			t.Fatalf("JoinChat offline: %v", err)
		}
	})
	rx := b.Router.OnReceive()
	defer rx.Close()

	a := startSession(t, url, st, "a", nil)
	if err := a.Rooms.JoinChat(ctx, "room1"); err != nil {
		t.Fatalf("JoinChat: %v", err)
	}
	waitFor(t, "both joined", func() bool { return rel.RoomSize("room1") == 2 })

	if err := a.Send(ctx, &domain.Message{ID: "m-abc", ChatID: "room1", Content: "abc"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	d := next(t, rx)
	if d.Source != SourcePush || d.Message.ID != "m-abc" || d.Message.Content != "abc" || d.Message.Sender != "a" {
		t.Fatalf("push delivery = %+v", d)
	}
	waitFor(t, "ack", func() bool {
		m, ok := a.Router.Message("room1", "m-abc")
		return ok && m.Status == domain.StatusSent
	})

	stored, err := st.GetMessage(ctx, "room1", "m-abc")
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	def := &domain.Message{ID: "m-def", ChatID: "room1", Sender: "a", Content: "def", Type: domain.TypeText, Timestamp: stored.Timestamp.Add(time.Millisecond)}
	feed.batches <- []domain.Change{
		{Seq: 1, Table: domain.ChangeTableMessages, Op: domain.OpInsert, Message: stored},
		{Seq: 2, Table: domain.ChangeTableMessages, Op: domain.OpInsert, Message: def},
	}

	d = next(t, rx)
	if d.Source != SourceFeed || d.Message.ID != "m-def" {
		t.Fatalf("feed delivery = %+v", d)
	}
	quiet(t, rx)
	if b.Router.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Router.Dropped())
	}
	if got := ids(b.Router.Messages("room1")); len(got) != 2 || got[0] != "m-abc" || got[1] != "m-def" {
		t.Fatalf("timeline = %v", got)
	}
}

func TestSession_TypingAndPresenceAcrossRelay(t *testing.T) {
	st, rel, url := newRelayStack(t)
	ctx := context.Background()

	b := startSession(t, url, st, "b", nil)
	_ = b.Rooms.JoinChat(ctx, "room1")
	a := startSession(t, url, st, "a", nil)
	_ = a.Rooms.JoinChat(ctx, "room1")
	waitFor(t, "both joined", func() bool { return rel.RoomSize("room1") == 2 })

	waitFor(t, "b sees a online", func() bool {
		p, ok := b.Presence.Peer("a")
		return ok && p.Status == domain.PresenceOnline
	})

	if err := a.Typing.StartTyping(ctx, "room1"); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	waitFor(t, "b sees a typing", func() bool {
		got := b.Typing.Typers("room1")
		return len(got) == 1 && got[0] == "a"
	})
	_ = a.Typing.StopTyping(ctx, "room1")
	waitFor(t, "typing cleared", func() bool { return len(b.Typing.Typers("room1")) == 0 })

	a.Presence.SetBusy()
	waitFor(t, "b sees a busy", func() bool {
		p, _ := b.Presence.Peer("a")
		return p.Status == domain.PresenceBusy
	})

	a.Conn.Disconnect()
	waitFor(t, "b sees a offline", func() bool {
		p, _ := b.Presence.Peer("a")
		return p.Status == domain.PresenceOffline
	})
	waitFor(t, "a offline locally", func() bool { return a.Presence.Status() == domain.PresenceOffline })
}
