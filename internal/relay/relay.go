// Package relay is the server side of the push channel. It keeps the
// connection registry (users, connections and joined rooms), the presence
// and typing tables, and fans events out to the right connections.
//
// One mutex (Relay.mu) serializes every mutation of the shared tables and
// every enqueue onto a connection's send buffer. Enqueues never block, and
// store I/O always runs with the lock released, so a slow database or a slow
// client can never stall the relay for everyone else.
package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/ratelimit"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/timers"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("relay closed")

const (
	typingKind     = "typing"
	maxDisplayName = 64
)

// Store is the durable store as the relay uses it.
type Store interface {
	Insert(ctx context.Context, m *domain.Message) (bool, error)
	GetMessage(ctx context.Context, chatID, id string) (*domain.Message, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	MarkRead(ctx context.Context, chatID, messageID, userID string, at time.Time) (*domain.Message, error)
	ToggleReaction(ctx context.Context, chatID, messageID, emoji, userID string) (*domain.Message, bool, error)
	UpsertPresence(ctx context.Context, p domain.Presence) (bool, error)
}

// Options tunes a Relay. Zero values take the defaults noted per field.
type Options struct {
	TypingTTL       time.Duration // 3s
	MaxContentRunes int           // 4000
	SendBuffer      int           // 256 frames
	WriteWait       time.Duration // 10s
	PongWait        time.Duration // 60s
	MaxMessageBytes int64         // 64 KiB
	EventRPS        float64       // 0 disables per-connection limiting
	EventBurst      int
	EventTimeout    time.Duration // 10s, bounds store calls made for one event

	CheckOrigin func(r *http.Request) bool
	Clock       clockwork.Clock
	Logger      zerolog.Logger
	Mirror      PresenceMirror
}

// FromConfig maps the process configuration onto relay options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		TypingTTL:       cfg.Realtime.TypingTTL,
		MaxContentRunes: cfg.Realtime.MaxContentRunes,
		SendBuffer:      cfg.WS.SendBuffer,
		WriteWait:       cfg.WS.WriteWait,
		PongWait:        cfg.WS.PongWait,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		EventRPS:        cfg.WS.EventRPS,
		EventBurst:      cfg.WS.EventBurst,
		CheckOrigin:     OriginChecker(cfg.CORS.AllowedOrigins),
	}
}

func (o *Options) defaults() {
	if o.TypingTTL <= 0 {
		o.TypingTTL = 3 * time.Second
	}
	if o.MaxContentRunes <= 0 {
		o.MaxContentRunes = 4000
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Relay coordinates all live connections of one process.
type Relay struct {
	store   Store
	opts    Options
	clock   clockwork.Clock
	log     zerolog.Logger
	timers  *timers.Registry
	limiter *ratelimit.Buckets
	writer  *presenceWriter

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	reg      *registry
	presence *presenceTable
	typing   *typingTable
	closed   bool
}

// New returns a running relay backed by store.
func New(store Store, opts Options) *Relay {
	opts.defaults()
	base, cancel := context.WithCancel(context.Background())
	log := opts.Logger.With().Str("component", "relay").Logger()
	return &Relay{
		store:    store,
		opts:     opts,
		clock:    opts.Clock,
		log:      log,
		timers:   timers.New(opts.Clock),
		limiter:  ratelimit.New(opts.EventRPS, opts.EventBurst),
		writer:   newPresenceWriter(store, opts.Mirror, log, opts.EventTimeout),
		base:     base,
		cancel:   cancel,
		reg:      newRegistry(),
		presence: newPresenceTable(),
		typing:   newTypingTable(),
	}
}

func (r *Relay) now() time.Time { return r.clock.Now().UTC() }

// Attach registers a new, not yet bound connection. identity is the user
// asserted at the handshake, if any; a later user:connect must match it.
func (r *Relay) Attach(identity string) (*Conn, error) {
	c := newConn(uuid.NewString(), identity, r.now(), r.opts.SendBuffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.reg.add(c)
	relayConns.Inc()
	return c, nil
}

// Dispatch decodes one inbound frame, applies the per-connection event
// limit and handles it.
func (r *Relay) Dispatch(c *Conn, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		r.reject(c, "", wire.CodeBadRequest, err.Error(), "", "")
		relayEvents.WithLabelValues("unknown", outcomeRejected).Inc()
		return
	}
	if !r.limiter.Allow(c.ID) {
		r.reject(c, env.Event, wire.CodeRateLimited, "too many events", "", "")
		relayEvents.WithLabelValues(eventLabel(env.Event), outcomeLimited).Inc()
		return
	}
	ctx, cancel := context.WithTimeout(r.base, r.opts.EventTimeout)
	defer cancel()
	r.Handle(ctx, c, env)
}

// Handle processes one decoded event from c.
func (r *Relay) Handle(ctx context.Context, c *Conn, env wire.Envelope) {
	var outcome string
	switch env.Event {
	case wire.UserConnect:
		outcome = r.onConnect(c, env)
	case wire.UserStatus:
		outcome = r.onStatus(c, env)
	case wire.ChatJoin:
		outcome = r.onJoin(ctx, c, env)
	case wire.ChatLeave:
		outcome = r.onLeave(c, env)
	case wire.MessageSend:
		outcome = r.onSend(ctx, c, env)
	case wire.MessageRead:
		outcome = r.onRead(ctx, c, env)
	case wire.MessageReact:
		outcome = r.onReact(ctx, c, env)
	case wire.TypingStart:
		outcome = r.onTyping(c, env, true)
	case wire.TypingStop:
		outcome = r.onTyping(c, env, false)
	default:
		r.reject(c, env.Event, wire.CodeUnknownEvent, "unknown event", "", "")
		outcome = outcomeRejected
	}
	relayEvents.WithLabelValues(eventLabel(env.Event), outcome).Inc()
}

func eventLabel(event string) string {
	switch event {
	case wire.UserConnect, wire.UserStatus, wire.ChatJoin, wire.ChatLeave,
		wire.MessageSend, wire.MessageRead, wire.MessageReact,
		wire.TypingStart, wire.TypingStop:
		return event
	default:
		return "unknown"
	}
}

// Detach removes c and announces everything its departure implies: typing
// stops for each chat it was typing in, then user:offline when it was the
// user's last connection. All of it happens in one critical section, so no
// other event for that user can interleave with the cleanup.
func (r *Relay) Detach(c *Conn, reason string) {
	r.mu.Lock()
	offline, ok := r.detachLocked(c, reason, false)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.limiter.Forget(c.ID)
	if offline != nil {
		r.writer.submit(*offline)
	}
}

// detachLocked runs the disconnect cleanup. Caller holds r.mu. notify sends
// a disconnect frame to c itself before its buffer is closed.
func (r *Relay) detachLocked(c *Conn, reason string, notify bool) (*domain.Presence, bool) {
	if c.detached {
		return nil, false
	}
	now := r.now()
	if notify {
		c.enqueue(wire.MustEncode(wire.Disconnect, wire.DisconnectPayload{Reason: reason}))
	}

	last := r.reg.remove(c)
	c.detached = true

	for _, t := range r.typing.removeConn(c.ID, "", now) {
		r.timers.Cancel(typingKey(t.ChatID, t.UserID))
		r.toRoom(t.ChatID, stopFrame(t), "")
	}

	var offline *domain.Presence
	if last {
		p := domain.Presence{UserID: c.UserID, Status: domain.PresenceOffline, LastSeen: now}
		r.presence.apply(p)
		r.toOthers(c.UserID, wire.MustEncode(wire.UserOffline, presencePayload(p)))
		offline = &p
	}

	close(c.send)
	relayConns.Dec()
	r.log.Debug().Str("conn_id", c.ID).Str("user_id", c.UserID).Str("reason", reason).Msg("connection detached")
	return offline, true
}

// Close detaches every connection with reason "server shutdown", stops all
// timers and flushes pending presence writes.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var offline []domain.Presence
	for _, c := range r.reg.conns {
		if p, ok := r.detachLocked(c, "server shutdown", true); ok && p != nil {
			offline = append(offline, *p)
		}
	}
	r.mu.Unlock()

	r.timers.Close()
	for _, p := range offline {
		r.writer.submit(p)
	}
	r.writer.close()
	r.cancel()
}

// Online returns the presence of every user with a live connection, sorted
// by user ID.
func (r *Relay) Online() []domain.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.snapshot(r.reg.onlineUsers(), "")
}

// Presence returns the relay's view of userID.
func (r *Relay) Presence(userID string) (domain.Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.get(userID)
}

// RoomSize returns how many connections are joined to chatID.
func (r *Relay) RoomSize(chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reg.roomMembers(chatID))
}

// Typing returns who is currently typing in chatID.
func (r *Relay) Typing(chatID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.typing.active(chatID, r.now()) {
		out = append(out, t.UserID)
	}
	return out
}

// ----- event handlers; each returns a metrics outcome -----

func (r *Relay) onConnect(c *Conn, env wire.Envelope) string {
	var p wire.UserConnectPayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if err := wire.ValidateID(p.UserID); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if c.identity != "" && c.identity != p.UserID {
		return r.forbid(c, env.Event, "identity mismatch", "", "")
	}

	r.mu.Lock()
	if c.detached {
		r.mu.Unlock()
		return outcomeRejected
	}
	if c.UserID != "" && c.UserID != p.UserID {
		r.rejectLocked(c, env.Event, wire.CodeForbidden, "connection already bound", "", "")
		r.mu.Unlock()
		return outcomeForbidden
	}

	var (
		pres    domain.Presence
		changed bool
	)
	if c.UserID == "" {
		first := r.reg.bind(c, p.UserID)
		status := domain.PresenceOnline
		if cur, ok := r.presence.get(p.UserID); ok && !first && cur.Status != domain.PresenceOffline {
			status = cur.Status
		}
		pres = domain.Presence{UserID: p.UserID, Status: status, LastSeen: r.now()}
		r.presence.apply(pres)
		ev := wire.UserStatus
		if first {
			ev = wire.UserOnline
		}
		r.toOthers(p.UserID, wire.MustEncode(ev, presencePayload(pres)))
		changed = true
	} else {
		pres, _ = r.presence.get(p.UserID)
	}
	r.toConn(c, wire.MustEncode(wire.UserConnected, wire.UserConnectedPayload{
		UserID:         p.UserID,
		Status:         pres.Status,
		ConnectedUsers: r.presence.snapshot(r.reg.onlineUsers(), p.UserID),
	}))
	r.mu.Unlock()

	if changed {
		r.writer.submit(pres)
		r.log.Debug().Str("conn_id", c.ID).Str("user_id", p.UserID).Msg("connection bound")
	}
	return outcomeOK
}

func (r *Relay) onStatus(c *Conn, env wire.Envelope) string {
	var p wire.PresencePayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if err := p.Validate(); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	user, ok := r.boundUser(c, env.Event)
	if !ok {
		return outcomeRejected
	}

	pres := domain.Presence{UserID: user, Status: p.Status, LastSeen: r.now()}
	r.mu.Lock()
	if c.detached {
		r.mu.Unlock()
		return outcomeRejected
	}
	r.presence.apply(pres)
	ev := wire.UserStatus
	if pres.Status == domain.PresenceOffline {
		ev = wire.UserOffline
	}
	r.toOthers(user, wire.MustEncode(ev, presencePayload(pres)))
	r.mu.Unlock()

	r.writer.submit(pres)
	return outcomeOK
}

func (r *Relay) onJoin(ctx context.Context, c *Conn, env wire.Envelope) string {
	var p wire.RoomPayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if err := p.Validate(); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, p.ChatID, "")
	}
	user, ok := r.boundUser(c, env.Event)
	if !ok {
		return outcomeRejected
	}
	if out, ok := r.authorize(ctx, c, env.Event, p.ChatID, user, ""); !ok {
		return out
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.detached {
		return outcomeRejected
	}
	if !r.reg.join(c, p.ChatID) {
		return outcomeOK
	}
	// catch the joiner up on who is typing right now
	for _, t := range r.typing.active(p.ChatID, r.now()) {
		if t.UserID == user {
			continue
		}
		r.toConn(c, wire.MustEncode(wire.TypingStart, wire.TypingPayload{
			ChatID: t.ChatID, UserID: t.UserID, DisplayName: t.DisplayName,
		}))
	}
	return outcomeOK
}

func (r *Relay) onLeave(c *Conn, env wire.Envelope) string {
	var p wire.RoomPayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if err := p.Validate(); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, p.ChatID, "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reg.leave(c, p.ChatID) {
		return outcomeOK
	}
	for _, t := range r.typing.removeConn(c.ID, p.ChatID, r.now()) {
		r.timers.Cancel(typingKey(t.ChatID, t.UserID))
		r.toRoom(t.ChatID, stopFrame(t), "")
	}
	return outcomeOK
}

func (r *Relay) onSend(ctx context.Context, c *Conn, env wire.Envelope) string {
	var p wire.MessageSendPayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	user, ok := r.boundUser(c, env.Event)
	if !ok {
		return outcomeRejected
	}
	if p.Sender == "" {
		p.Sender = user
	}
	if p.Sender != user {
		return r.forbid(c, env.Event, "sender does not match connection", p.ChatID, p.MessageID)
	}
	if err := p.Normalize(r.opts.MaxContentRunes); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, p.ChatID, p.MessageID)
	}
	p.ClampTimestamp(r.now())

	if out, ok := r.authorize(ctx, c, env.Event, p.ChatID, user, p.MessageID); !ok {
		return out
	}

	m := p.ToMessage()
	inserted, err := r.store.Insert(ctx, m)
	if err != nil {
		r.log.Error().Err(err).Str("chat_id", m.ChatID).Str("message_id", m.ID).Msg("persist message")
		r.reject(c, env.Event, wire.CodePersistFailed, "message could not be stored", m.ChatID, m.ID)
		return outcomeFailed
	}
	if !inserted {
		// a retried send: only the stored copy may be fanned out
		stored, out, ok := r.storedOwnMessage(ctx, c, env.Event, m, user)
		if !ok {
			return out
		}
		m = stored
	}

	frame := wire.MustEncode(wire.MessageReceive, wire.SendPayloadFrom(m))
	r.mu.Lock()
	defer r.mu.Unlock()
	// a sent message ends the sender's typing indicator
	now := r.now()
	if e, ok := r.typing.chats[m.ChatID][user]; ok {
		if r.typing.stop(m.ChatID, user, now) {
			r.toRoom(m.ChatID, stopFrame(typer{ChatID: m.ChatID, UserID: user, DisplayName: e.displayName}), c.ID)
		}
		r.timers.Cancel(typingKey(m.ChatID, user))
	}
	relayFanout.Observe(float64(r.toRoom(m.ChatID, frame, c.ID)))
	r.toConn(c, wire.MustEncode(wire.MessageAck, wire.MessageAckPayload{
		MessageID: m.ID,
		ChatID:    m.ChatID,
		Status:    domain.StatusSent,
		Timestamp: m.Timestamp,
	}))
	return outcomeOK
}

// storedOwnMessage loads the durable copy behind a duplicate insert. An id
// held by another chat or sender is a conflict.
func (r *Relay) storedOwnMessage(ctx context.Context, c *Conn, event string, m *domain.Message, user string) (*domain.Message, string, bool) {
	stored, err := r.store.GetMessage(ctx, m.ChatID, m.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		r.reject(c, event, wire.CodeConflict, "message id already in use", m.ChatID, m.ID)
		return nil, outcomeRejected, false
	case err != nil:
		r.log.Error().Err(err).Str("chat_id", m.ChatID).Str("message_id", m.ID).Msg("load duplicate message")
		r.reject(c, event, wire.CodePersistFailed, "message could not be stored", m.ChatID, m.ID)
		return nil, outcomeFailed, false
	case stored.Sender != user:
		r.reject(c, event, wire.CodeConflict, "message id already in use", m.ChatID, m.ID)
		return nil, outcomeRejected, false
	}
	return stored, "", true
}

func (r *Relay) onRead(ctx context.Context, c *Conn, env wire.Envelope) string {
	var p wire.MessageReadPayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if err := p.Validate(); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, p.ChatID, p.MessageID)
	}
	user, ok := r.boundUser(c, env.Event)
	if !ok {
		return outcomeRejected
	}
	now := r.now()
	if p.Timestamp.IsZero() || p.Timestamp.After(now.Add(wire.MaxClockSkew)) {
		p.Timestamp = now
	}
	if out, ok := r.authorize(ctx, c, env.Event, p.ChatID, user, p.MessageID); !ok {
		return out
	}

	m, err := r.store.MarkRead(ctx, p.ChatID, p.MessageID, user, p.Timestamp)
	if err != nil {
		return r.storeFailure(c, env.Event, err, p.ChatID, p.MessageID)
	}
	p.UserID = user
	if at, ok := m.ReadBy[user]; ok {
		p.Timestamp = at
	}

	r.mu.Lock()
	r.toRoom(p.ChatID, wire.MustEncode(wire.MessageRead, p), c.ID)
	r.mu.Unlock()
	return outcomeOK
}

func (r *Relay) onReact(ctx context.Context, c *Conn, env wire.Envelope) string {
	var p wire.MessageReactPayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if err := p.Validate(); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, p.ChatID, p.MessageID)
	}
	user, ok := r.boundUser(c, env.Event)
	if !ok {
		return outcomeRejected
	}
	if out, ok := r.authorize(ctx, c, env.Event, p.ChatID, user, p.MessageID); !ok {
		return out
	}

	m, added, err := r.store.ToggleReaction(ctx, p.ChatID, p.MessageID, p.Emoji, user)
	if err != nil {
		return r.storeFailure(c, env.Event, err, p.ChatID, p.MessageID)
	}
	frame := wire.MustEncode(wire.MessageReaction, wire.MessageReactionPayload{
		MessageID: m.ID,
		ChatID:    m.ChatID,
		UserID:    user,
		Emoji:     p.Emoji,
		Added:     added,
		Reactions: m.Reactions,
	})

	r.mu.Lock()
	r.toRoom(p.ChatID, frame, "")
	r.mu.Unlock()
	return outcomeOK
}

func (r *Relay) onTyping(c *Conn, env wire.Envelope, start bool) string {
	var p wire.TypingPayload
	if err := env.Bind(&p); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, "", "")
	}
	if err := p.Validate(); err != nil {
		return r.fail(c, env.Event, wire.CodeBadRequest, err, p.ChatID, "")
	}
	user, ok := r.boundUser(c, env.Event)
	if !ok {
		return outcomeRejected
	}
	p.UserID = user
	p.DisplayName = clipName(p.DisplayName)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.detached {
		return outcomeRejected
	}
	if !r.reg.joined(c, p.ChatID) {
		r.rejectLocked(c, env.Event, wire.CodeNotJoined, "join the chat first", p.ChatID, "")
		return outcomeRejected
	}

	key := typingKey(p.ChatID, user)
	now := r.now()
	if start {
		if r.typing.start(p.ChatID, user, c.ID, p.DisplayName, now, r.opts.TypingTTL) {
			r.toRoom(p.ChatID, wire.MustEncode(wire.TypingStart, p), c.ID)
		}
		chatID := p.ChatID
		r.timers.Arm(key, r.opts.TypingTTL, func() { r.sweepTyping(chatID, user) })
		return outcomeOK
	}
	if r.typing.stop(p.ChatID, user, now) {
		r.toRoom(p.ChatID, wire.MustEncode(wire.TypingStop, p), c.ID)
	}
	r.timers.Cancel(key)
	return outcomeOK
}

// sweepTyping removes an expired typing entry and broadcasts its stop. A
// refresh that landed after the timer was armed leaves time on the entry;
// the sweep then re-arms for the remainder.
func (r *Relay) sweepTyping(chatID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed, left := r.typing.expire(chatID, userID, r.now())
	switch {
	case removed != nil:
		r.toRoom(chatID, stopFrame(*removed), "")
	case left > 0:
		r.timers.Arm(typingKey(chatID, userID), left, func() { r.sweepTyping(chatID, userID) })
	}
}

// ----- helpers -----

// authorize checks chat membership with the lock released. Store errors
// fail closed.
func (r *Relay) authorize(ctx context.Context, c *Conn, event, chatID, userID, messageID string) (string, bool) {
	ok, err := r.store.IsParticipant(ctx, chatID, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("chat_id", chatID).Str("user_id", userID).Msg("membership check failed")
		r.reject(c, event, wire.CodeForbidden, "membership could not be verified", chatID, messageID)
		return outcomeFailed, false
	}
	if !ok {
		return r.forbid(c, event, "not a participant", chatID, messageID), false
	}
	return "", true
}

func (r *Relay) storeFailure(c *Conn, event string, err error, chatID, messageID string) string {
	if errors.Is(err, repo.ErrNotFound) {
		r.reject(c, event, wire.CodeBadRequest, "unknown message", chatID, messageID)
		return outcomeRejected
	}
	r.log.Error().Err(err).Str("chat_id", chatID).Str("message_id", messageID).Str("event", event).Msg("store write failed")
	r.reject(c, event, wire.CodePersistFailed, "could not be stored", chatID, messageID)
	return outcomeFailed
}

// boundUser returns c's user or answers not_connected.
func (r *Relay) boundUser(c *Conn, event string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.UserID == "" {
		r.rejectLocked(c, event, wire.CodeNotConnected, "send user:connect first", "", "")
		return "", false
	}
	return c.UserID, true
}

func (r *Relay) fail(c *Conn, event, code string, err error, chatID, messageID string) string {
	r.reject(c, event, code, err.Error(), chatID, messageID)
	return outcomeRejected
}

func (r *Relay) forbid(c *Conn, event, msg, chatID, messageID string) string {
	r.reject(c, event, wire.CodeForbidden, msg, chatID, messageID)
	return outcomeForbidden
}

// reject sends an error event to c only.
func (r *Relay) reject(c *Conn, event, code, msg, chatID, messageID string) {
	r.mu.Lock()
	r.rejectLocked(c, event, code, msg, chatID, messageID)
	r.mu.Unlock()
}

func (r *Relay) rejectLocked(c *Conn, event, code, msg, chatID, messageID string) {
	r.toConn(c, wire.MustEncode(wire.Error, wire.ErrorPayload{
		Message:   msg,
		Code:      code,
		Event:     event,
		ChatID:    chatID,
		MessageID: messageID,
	}))
}

// toConn enqueues frame for c. Caller holds r.mu.
func (r *Relay) toConn(c *Conn, frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}
	if !c.detached {
		relayDropped.Inc()
	}
	return false
}

// toRoom enqueues frame for every connection joined to chatID except
// exceptConn and returns how many accepted it. Caller holds r.mu.
func (r *Relay) toRoom(chatID string, frame []byte, exceptConn string) int {
	n := 0
	for id, c := range r.reg.roomMembers(chatID) {
		if id == exceptConn {
			continue
		}
		if r.toConn(c, frame) {
			n++
		}
	}
	return n
}

// toOthers enqueues frame for every bound connection not owned by userID.
// Caller holds r.mu.
func (r *Relay) toOthers(userID string, frame []byte) int {
	n := 0
	for u, conns := range r.reg.byUser {
		if u == userID {
			continue
		}
		for _, c := range conns {
			if r.toConn(c, frame) {
				n++
			}
		}
	}
	return n
}

func typingKey(chatID, userID string) timers.Key {
	return timers.Key{Kind: typingKind, ChatID: chatID, UserID: userID}
}

func stopFrame(t typer) []byte {
	return wire.MustEncode(wire.TypingStop, wire.TypingPayload{ChatID: t.ChatID, UserID: t.UserID, DisplayName: t.DisplayName})
}

func presencePayload(p domain.Presence) wire.PresencePayload {
	return wire.PresencePayload{UserID: p.UserID, Status: p.Status, LastSeen: p.LastSeen}
}

func clipName(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxDisplayName {
		return s
	}
	return string([]rune(s)[:maxDisplayName])
}
