// Package cache holds the optional Redis presence mirror. Every durable
// presence write made by the relay is copied into one Redis hash and
// announced on a pub/sub channel, so dashboards and sibling tools can read
// who is online without touching the relational store.
//
// Layout:
//
//	HSET  <prefix>presence <userId> <json domain.Presence>
//	PUBLISH <prefix>presence:events <json domain.Presence>
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// DefaultPrefix namespaces every key the mirror writes.
const DefaultPrefix = "chat:"

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// PresenceMirror writes presence records to Redis. Writes older than the
// mirrored record are skipped, keeping the hash last-writer-wins like the
// store.
type PresenceMirror struct {
	rdb    Client
	prefix string
	log    zerolog.Logger
}

// NewPresenceMirror wraps rdb. An empty prefix uses DefaultPrefix.
func NewPresenceMirror(rdb Client, prefix string, log zerolog.Logger) *PresenceMirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &PresenceMirror{rdb: rdb, prefix: prefix, log: log.With().Str("component", "presence-mirror").Logger()}
}

// Dial connects to the Redis configured in cfg and pings it. It returns a nil
// client when cfg.Addr is empty, which disables the mirror.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func (m *PresenceMirror) hashKey() string    { return m.prefix + "presence" }
func (m *PresenceMirror) channelKey() string { return m.prefix + "presence:events" }

// SetPresence mirrors p unless Redis already holds a newer record for the
// user. The read-compare-write is not atomic across processes; the store
// stays authoritative.
func (m *PresenceMirror) SetPresence(ctx context.Context, p domain.Presence) error {
	ctx, span := otel.Tracer("cache/PresenceMirror").Start(ctx, "SetPresence",
		trace.WithAttributes(attribute.String("user.id", p.UserID)))
	defer span.End()

	cur, err := m.get(ctx, p.UserID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if cur != nil && cur.LastSeen.After(p.LastSeen) {
		return nil
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := m.rdb.HSet(ctx, m.hashKey(), p.UserID, raw).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mirror presence %s: %w", p.UserID, err)
	}
	if err := m.rdb.Publish(ctx, m.channelKey(), raw).Err(); err != nil {
		// the hash is already current; subscribers catch up on the next write
		m.log.Warn().Err(err).Str("user_id", p.UserID).Msg("presence publish failed")
	}
	return nil
}

// Presence returns the mirrored record of userID, or nil when none exists.
func (m *PresenceMirror) Presence(ctx context.Context, userID string) (*domain.Presence, error) {
	return m.get(ctx, userID)
}

// All returns every mirrored record keyed by user ID. Undecodable entries
// are skipped.
func (m *PresenceMirror) All(ctx context.Context) (map[string]domain.Presence, error) {
	vals, err := m.rdb.HGetAll(ctx, m.hashKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Presence, len(vals))
	for uid, raw := range vals {
		var p domain.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			m.log.Debug().Err(err).Str("user_id", uid).Msg("skipping malformed presence entry")
			continue
		}
		out[uid] = p
	}
	return out, nil
}

func (m *PresenceMirror) get(ctx context.Context, userID string) (*domain.Presence, error) {
	raw, err := m.rdb.HGet(ctx, m.hashKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p domain.Presence
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil
	}
	return &p, nil
}
