package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// fakeRedis keeps hashes in memory and records publishes.
type fakeRedis struct {
	hashes     map[string]map[string]string
	published  map[string][]string
	hsetErr    error
	publishErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: map[string]map[string]string{}, published: map[string][]string{}}
}

func (f *fakeRedis) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.hashes[key][field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.hsetErr != nil {
		cmd.SetErr(f.hsetErr)
		return cmd
	}
	h := f.hashes[key]
	if h == nil {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		field, _ := values[i].(string)
		switch v := values[i+1].(type) {
		case []byte:
			h[field] = string(v)
		case string:
			h[field] = v
		}
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(ctx)
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.publishErr != nil {
		cmd.SetErr(f.publishErr)
		return cmd
	}
	if b, ok := message.([]byte); ok {
		f.published[channel] = append(f.published[channel], string(b))
	}
	cmd.SetVal(1)
	return cmd
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestPresenceMirror_SetAndReadBack(t *testing.T) {
	rdb := newFakeRedis()
	m := NewPresenceMirror(rdb, "", zerolog.Nop())
	ctx := context.Background()

	p := domain.Presence{UserID: "alice", Status: domain.PresenceOnline, LastSeen: t0}
	if err := m.SetPresence(ctx, p); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	got, err := m.Presence(ctx, "alice")
	if err != nil || got == nil || got.Status != domain.PresenceOnline || !got.LastSeen.Equal(t0) {
		t.Fatalf("Presence = %+v, %v", got, err)
	}
	if msgs := rdb.published["chat:presence:events"]; len(msgs) != 1 {
		t.Fatalf("published = %v", rdb.published)
	} else {
		var ev domain.Presence
		if err := json.Unmarshal([]byte(msgs[0]), &ev); err != nil || ev.UserID != "alice" {
			t.Fatalf("event = %q (%v)", msgs[0], err)
		}
	}

	missing, err := m.Presence(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("missing user: %+v, %v", missing, err)
	}
}

func TestPresenceMirror_IgnoresOlderWrites(t *testing.T) {
	rdb := newFakeRedis()
	m := NewPresenceMirror(rdb, "t:", zerolog.Nop())
	ctx := context.Background()

	newer := domain.Presence{UserID: "bob", Status: domain.PresenceAway, LastSeen: t0.Add(time.Minute)}
	older := domain.Presence{UserID: "bob", Status: domain.PresenceOnline, LastSeen: t0}
	if err := m.SetPresence(ctx, newer); err != nil {
		t.Fatalf("SetPresence newer: %v", err)
	}
	if err := m.SetPresence(ctx, older); err != nil {
		t.Fatalf("SetPresence older: %v", err)
	}
	all, err := m.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if all["bob"].Status != domain.PresenceAway {
		t.Fatalf("older write won: %+v", all["bob"])
	}
	if n := len(rdb.published["t:presence:events"]); n != 1 {
		t.Fatalf("published %d events, want 1", n)
	}
}

func TestPresenceMirror_Errors(t *testing.T) {
	ctx := context.Background()
	p := domain.Presence{UserID: "carol", Status: domain.PresenceBusy, LastSeen: t0}

	rdb := newFakeRedis()
	rdb.hsetErr = errors.New("READONLY")
	if err := NewPresenceMirror(rdb, "", zerolog.Nop()).SetPresence(ctx, p); err == nil {
		t.Fatalf("expected HSET error to surface")
	}

	rdb = newFakeRedis()
	rdb.publishErr = errors.New("no subscribers allowed")
	m := NewPresenceMirror(rdb, "", zerolog.Nop())
	if err := m.SetPresence(ctx, p); err != nil {
		t.Fatalf("publish failure must not fail the write: %v", err)
	}
	if got, _ := m.Presence(ctx, "carol"); got == nil {
		t.Fatalf("hash not written")
	}
}

func TestPresenceMirror_AllSkipsMalformed(t *testing.T) {
	rdb := newFakeRedis()
	rdb.hashes["chat:presence"] = map[string]string{"x": "{not json", "y": `{"userId":"y","status":"online","lastSeen":"2024-01-01T12:00:00Z"}`}
	all, err := NewPresenceMirror(rdb, "", zerolog.Nop()).All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if _, ok := all["x"]; ok || all["y"].Status != domain.PresenceOnline {
		t.Fatalf("All = %+v", all)
	}
}

func TestDial_EmptyAddrDisables(t *testing.T) {
	rdb, err := Dial(context.Background(), config.RedisConfig{})
	if rdb != nil || err != nil {
		t.Fatalf("Dial(empty) = %v, %v", rdb, err)
	}
}
