package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// ErrNotFailed is returned by Retry for a message that has not failed.
var ErrNotFailed = errors.New("message has not failed")

// ErrUnknownMessage is returned for IDs not in the chat's timeline.
var ErrUnknownMessage = errors.New("unknown message")

// Emitter sends one event on the push channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// MessageStore is the durable fallback channel for outbound messages.
// Insert overwrites m with the stored copy when the server returns one.
type MessageStore interface {
	Insert(ctx context.Context, m *domain.Message) (bool, error)
}

// Source names the channel a delivery arrived on.
type Source string

const (
	SourcePush Source = "push"
	SourceFeed Source = "feed"
)

// Delivery is one UI-visible change to a chat's timeline. Inserts pass the
// dedup window exactly once per message; updates and deletes follow.
type Delivery struct {
	Op      domain.ChangeOp
	Source  Source
	Message *domain.Message
}

// StatusUpdate reports a change of an outbound message's status.
type StatusUpdate struct {
	ChatID    string
	MessageID string
	Status    domain.MessageStatus
	Err       error
}

// RouterOptions tunes the router.
type RouterOptions struct {
	MaxContentRunes int           // 4000
	DedupHorizon    time.Duration // 60s
	DedupMax        int           // 1024 IDs per chat
	StoreTimeout    time.Duration // 10s
}

// MessageRouter picks the channel for outbound messages and merges the two
// inbound channels into one ordered, duplicate-free timeline per chat.
type MessageRouter struct {
	emitter Emitter
	store   MessageStore
	clock   clockwork.Clock
	log     zerolog.Logger
	opts    RouterOptions
	userID  func() string

	deliveries *Topic[Delivery]
	statuses   *Topic[StatusUpdate]

	mu        sync.Mutex
	timelines map[string]*Timeline
	windows   map[string]*DedupWindow
	dropped   int
}

// NewMessageRouter returns a router sending as the user returned by userID.
func NewMessageRouter(e Emitter, store MessageStore, clock clockwork.Clock, log zerolog.Logger, userID func() string, opts RouterOptions) *MessageRouter {
	if opts.MaxContentRunes <= 0 {
		opts.MaxContentRunes = 4000
	}
	if opts.DedupHorizon <= 0 {
		opts.DedupHorizon = 60 * time.Second
	}
	if opts.DedupMax <= 0 {
		opts.DedupMax = 1024
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &MessageRouter{
		emitter:    e,
		store:      store,
		clock:      clock,
		log:        log,
		opts:       opts,
		userID:     userID,
		deliveries: NewTopic[Delivery](),
		statuses:   NewTopic[StatusUpdate](),
		timelines:  make(map[string]*Timeline),
		windows:    make(map[string]*DedupWindow),
	}
}

// OnReceive subscribes to timeline deliveries for every chat.
func (r *MessageRouter) OnReceive() *Subscription[Delivery] { return r.deliveries.Subscribe() }

// OnStatus subscribes to outbound status changes.
func (r *MessageRouter) OnStatus() *Subscription[StatusUpdate] { return r.statuses.Subscribe() }

// Send validates m, adds it to the timeline as sending and transmits it:
// on the push channel when connected, otherwise straight to the durable
// store. A message never goes out on both. Validation errors leave the
// message failed and are returned; transport outcomes arrive as status
// updates (and as the returned error for the store fallback).
func (r *MessageRouter) Send(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Sender == "" {
		m.Sender = r.userID()
	}
	p := wire.SendPayloadFrom(m)
	if err := p.Normalize(r.opts.MaxContentRunes); err != nil {
		m.Status = domain.StatusFailed
		r.statuses.Publish(StatusUpdate{ChatID: m.ChatID, MessageID: m.ID, Status: domain.StatusFailed, Err: err})
		return err
	}
	p.ClampTimestamp(r.clock.Now())

	local := p.ToMessage()
	local.Status = domain.StatusSending

	r.mu.Lock()
	tl := r.timeline(local.ChatID)
	if !tl.Insert(local) {
		r.mu.Unlock()
		return fmt.Errorf("message %s already sent", local.ID)
	}
	// our own echo must not come back through either channel
	r.window(local.ChatID).Seen(local.ID)
	r.mu.Unlock()

	*m = *local.Clone()
	r.statuses.Publish(StatusUpdate{ChatID: local.ChatID, MessageID: local.ID, Status: domain.StatusSending})
	return r.transmit(ctx, p)
}

// Retry re-sends a failed message on explicit user action.
func (r *MessageRouter) Retry(ctx context.Context, chatID, messageID string) error {
	r.mu.Lock()
	m, ok := r.timeline(chatID).Get(messageID)
	if !ok {
		r.mu.Unlock()
		return ErrUnknownMessage
	}
	if m.Status != domain.StatusFailed {
		r.mu.Unlock()
		return ErrNotFailed
	}
	m.Status = domain.StatusSending
	p := wire.SendPayloadFrom(m)
	r.mu.Unlock()

	r.statuses.Publish(StatusUpdate{ChatID: chatID, MessageID: messageID, Status: domain.StatusSending})
	return r.transmit(ctx, p)
}

func (r *MessageRouter) transmit(ctx context.Context, p wire.MessageSendPayload) error {
	err := r.emitter.Emit(ctx, wire.MessageSend, p)
	if err == nil {
		// sent arrives with the relay's ack
		return nil
	}
	if !errors.Is(err, ErrNotConnected) {
		r.log.Warn().Err(err).Str("chat_id", p.ChatID).Str("message_id", p.MessageID).Msg("push send failed")
		r.setStatus(p.ChatID, p.MessageID, domain.StatusFailed, err)
		return err
	}

	if r.store == nil {
		r.setStatus(p.ChatID, p.MessageID, domain.StatusFailed, err)
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	stored := p.ToMessage()
	if _, err := r.store.Insert(sctx, stored); err != nil {
		r.log.Warn().Err(err).Str("chat_id", p.ChatID).Str("message_id", p.MessageID).Msg("durable send failed")
		r.setStatus(p.ChatID, p.MessageID, domain.StatusFailed, err)
		return err
	}
	r.setStatus(p.ChatID, p.MessageID, domain.StatusSent, nil)
	r.retime(p.ChatID, p.MessageID, stored.Timestamp, SourceFeed)
	return nil
}

// OnAck marks an own message sent and adopts the relay's timestamp.
func (r *MessageRouter) OnAck(p wire.MessageAckPayload) {
	st := p.Status
	if st == "" {
		st = domain.StatusSent
	}
	r.setStatus(p.ChatID, p.MessageID, st, nil)
	r.retime(p.ChatID, p.MessageID, p.Timestamp, SourcePush)
}

// retime moves an own message to the timestamp the server stored, so the
// sender orders it like every other member does.
func (r *MessageRouter) retime(chatID, id string, ts time.Time, src Source) {
	if ts.IsZero() {
		return
	}
	r.mu.Lock()
	tl := r.timeline(chatID)
	m, ok := tl.Get(id)
	if !ok || m.Timestamp.Equal(ts) {
		r.mu.Unlock()
		return
	}
	tl.Remove(id)
	m.Timestamp = ts.UTC()
	tl.Insert(m)
	out := m.Clone()
	r.mu.Unlock()
	r.deliveries.Publish(Delivery{Op: domain.OpUpdate, Source: src, Message: out})
}

// OnError fails the message a relay error refers to, if any.
func (r *MessageRouter) OnError(p wire.ErrorPayload) {
	if p.Event != wire.MessageSend || p.MessageID == "" {
		return
	}
	r.setStatus(p.ChatID, p.MessageID, domain.StatusFailed, fmt.Errorf("relay: %s: %s", p.Code, p.Message))
}

func (r *MessageRouter) setStatus(chatID, id string, st domain.MessageStatus, cause error) {
	r.mu.Lock()
	m, ok := r.timeline(chatID).Get(id)
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := m.Status
	if st == domain.StatusSent && prev == domain.StatusFailed {
		// a late ack after a local failure; the message did land
		m.Status = domain.StatusSent
	} else {
		m.Status = prev.Advance(st)
	}
	cur := m.Status
	r.mu.Unlock()
	if cur != prev {
		r.statuses.Publish(StatusUpdate{ChatID: chatID, MessageID: id, Status: cur, Err: cause})
	}
}

// Ingest runs one inbound message through the chat's dedup window and, if
// it is new, inserts it into the timeline and delivers it. It reports
// whether the message was delivered.
func (r *MessageRouter) Ingest(m *domain.Message, src Source) bool {
	m = m.Clone()
	if m.Sender != r.userID() {
		m.Status = domain.StatusDelivered
	}

	r.mu.Lock()
	tl := r.timeline(m.ChatID)
	if r.window(m.ChatID).Seen(m.ID) {
		r.dropped++
		r.mu.Unlock()
		return false
	}
	if !tl.Insert(m) {
		// older than the horizon but still on screen
		r.dropped++
		r.mu.Unlock()
		return false
	}
	out := m.Clone()
	r.mu.Unlock()

	r.deliveries.Publish(Delivery{Op: domain.OpInsert, Source: src, Message: out})
	return true
}

// ApplyChange folds one change-feed row into the timelines.
func (r *MessageRouter) ApplyChange(c domain.Change) {
	if c.Table != domain.ChangeTableMessages || c.Message == nil {
		return
	}
	switch c.Op {
	case domain.OpInsert:
		r.Ingest(c.Message, SourceFeed)
	case domain.OpUpdate:
		r.mu.Lock()
		tl := r.timeline(c.Message.ChatID)
		if !tl.Merge(c.Message) {
			r.mu.Unlock()
			// an update for a message we never saw still makes it visible
			r.Ingest(c.Message, SourceFeed)
			return
		}
		cur, _ := tl.Get(c.Message.ID)
		out := cur.Clone()
		r.mu.Unlock()
		r.deliveries.Publish(Delivery{Op: domain.OpUpdate, Source: SourceFeed, Message: out})
	case domain.OpDelete:
		r.mu.Lock()
		removed := r.timeline(c.Message.ChatID).Remove(c.Message.ID)
		r.mu.Unlock()
		if removed {
			r.deliveries.Publish(Delivery{Op: domain.OpDelete, Source: SourceFeed, Message: c.Message.Clone()})
		}
	}
}

// OnRead merges a read receipt. Own messages read by someone else move to
// read.
func (r *MessageRouter) OnRead(p wire.MessageReadPayload) {
	r.update(p.ChatID, p.MessageID, func(m *domain.Message) bool {
		changed := m.MarkRead(p.UserID, p.Timestamp)
		if m.Sender == r.userID() && p.UserID != m.Sender && m.Status != domain.StatusFailed {
			next := m.Status.Advance(domain.StatusRead)
			changed = changed || next != m.Status
			m.Status = next
		}
		return changed
	})
}

// OnReaction replaces a message's reaction set with the relay's.
func (r *MessageRouter) OnReaction(p wire.MessageReactionPayload) {
	r.update(p.ChatID, p.MessageID, func(m *domain.Message) bool {
		m.Reactions = cloneReactions(p.Reactions)
		return true
	})
}

func (r *MessageRouter) update(chatID, id string, fn func(*domain.Message) bool) {
	r.mu.Lock()
	m, ok := r.timeline(chatID).Get(id)
	if !ok || !fn(m) {
		r.mu.Unlock()
		return
	}
	out := m.Clone()
	r.mu.Unlock()
	r.deliveries.Publish(Delivery{Op: domain.OpUpdate, Source: SourcePush, Message: out})
}

// MarkRead records that the user read a message and tells the relay.
func (r *MessageRouter) MarkRead(ctx context.Context, chatID, messageID string) error {
	now := r.clock.Now().UTC().Truncate(time.Millisecond)
	p := wire.MessageReadPayload{MessageID: messageID, ChatID: chatID, UserID: r.userID(), Timestamp: now}
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	m, ok := r.timeline(chatID).Get(messageID)
	if ok {
		m.MarkRead(p.UserID, now)
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownMessage
	}
	return r.emitter.Emit(ctx, wire.MessageRead, p)
}

// React toggles a reaction on a message. The relay answers with the
// resulting reaction set.
func (r *MessageRouter) React(ctx context.Context, chatID, messageID, emoji string) error {
	p := wire.MessageReactPayload{MessageID: messageID, ChatID: chatID, UserID: r.userID(), Emoji: emoji}
	if err := p.Validate(); err != nil {
		return err
	}
	return r.emitter.Emit(ctx, wire.MessageReact, p)
}

// Messages returns chatID's timeline in (timestamp, messageId) order.
func (r *MessageRouter) Messages(chatID string) []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.timelines[chatID]
	if !ok {
		return nil
	}
	return tl.Snapshot()
}

// Message returns one message from chatID's timeline.
func (r *MessageRouter) Message(chatID, id string) (*domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.timeline(chatID).Get(id)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Dropped returns how many inbound duplicates were suppressed.
func (r *MessageRouter) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close ends all subscriptions.
func (r *MessageRouter) Close() {
	r.deliveries.Close()
	r.statuses.Close()
}

func (r *MessageRouter) timeline(chatID string) *Timeline {
	tl, ok := r.timelines[chatID]
	if !ok {
		tl = NewTimeline()
		r.timelines[chatID] = tl
	}
	return tl
}

func (r *MessageRouter) window(chatID string) *DedupWindow {
	w, ok := r.windows[chatID]
	if !ok {
		w = NewDedupWindow(r.clock, r.opts.DedupHorizon, r.opts.DedupMax)
		r.windows[chatID] = w
	}
	return w
}
