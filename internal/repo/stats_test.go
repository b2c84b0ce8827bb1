package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

func TestMessagesStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := MessagesStats(context.Background(), db, "c1"); err == nil {
		t.Fatalf("expected error due to missing messages table")
	}
}

func TestMessagesStats_EmptyAndLatest(t *testing.T) {
	db := newTestDB(t, &domain.Message{})
	ctx := context.Background()

	n, latest, err := MessagesStats(ctx, db, "c1")
	if err != nil || n != 0 || latest != nil {
		t.Fatalf("empty stats: n=%d latest=%v err=%v", n, latest, err)
	}

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	db.Create(&domain.Message{ID: "m1", ChatID: "c1", Sender: "a", Content: "x", Timestamp: t1, Type: domain.TypeText, UpdatedAt: t1})
	db.Create(&domain.Message{ID: "m2", ChatID: "c1", Sender: "a", Content: "y", Timestamp: t1, Type: domain.TypeText, UpdatedAt: t2})
	db.Create(&domain.Message{ID: "m3", ChatID: "c2", Sender: "a", Content: "z", Timestamp: t1, Type: domain.TypeText})

	n, latest, err = MessagesStats(ctx, db, "c1")
	if err != nil || n != 2 || latest == nil || !latest.Equal(t2) {
		t.Fatalf("stats: n=%d latest=%v err=%v", n, latest, err)
	}
}

func TestParticipantsStats(t *testing.T) {
	db := newMigratedDB(t)
	ctx := context.Background()
	if n, latest, err := ParticipantsStats(ctx, db, "room1"); err != nil || n != 0 || latest != nil {
		t.Fatalf("empty stats: n=%d latest=%v err=%v", n, latest, err)
	}
	_, _ = CreateChat(ctx, db, "room1", "R", "a")
	_ = AddParticipant(ctx, db, "room1", "b")
	n, latest, err := ParticipantsStats(ctx, db, "room1")
	if err != nil || n != 2 || latest == nil {
		t.Fatalf("stats: n=%d latest=%v err=%v", n, latest, err)
	}
}
