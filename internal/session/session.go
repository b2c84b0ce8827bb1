// Package session is the client half of the realtime layer. A Session ties
// together one push-channel connection, the message router with its
// dedup windows and timelines, the presence tracker, the typing
// coordinator and the room subscriptions, and feeds them from both inbound
// channels: relay frames and the durable store's change feed.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/timers"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

// Options configures a Session. Zero values take component defaults.
type Options struct {
	UserID string

	Heartbeat       time.Duration
	IdleAfter       time.Duration
	TypingTTL       time.Duration
	DedupHorizon    time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	MaxAttempts     int
	MaxContentRunes int
	FeedWait        time.Duration // long-poll per change-feed call; 25s

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// OptionsFromConfig maps the process configuration for userID.
func OptionsFromConfig(cfg *config.Config, userID string) Options {
	return Options{
		UserID:          userID,
		Heartbeat:       cfg.Realtime.HeartbeatInterval,
		IdleAfter:       cfg.Realtime.IdleAfter,
		TypingTTL:       cfg.Realtime.TypingTTL,
		DedupHorizon:    cfg.Realtime.DedupHorizon,
		ReconnectBase:   cfg.Realtime.ReconnectBase,
		ReconnectCap:    cfg.Realtime.ReconnectCap,
		MaxAttempts:     cfg.Realtime.ReconnectMaxAttempts,
		MaxContentRunes: cfg.Realtime.MaxContentRunes,
		FeedWait:        cfg.Changes.LongPoll,
	}
}

// Session is one signed-in user's realtime state.
type Session struct {
	Conn     *ConnectionManager
	Router   *MessageRouter
	Presence *PresenceTracker
	Typing   *TypingCoordinator
	Rooms    *RoomSubscriptionManager

	opts   Options
	log    zerolog.Logger
	timers *timers.Registry
	feed   *FeedPoller

	life    *Subscription[Lifecycle]
	inbound *Subscription[wire.Envelope]

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires a session. store is the durable fallback; when it also
// implements ChangeSource the session follows its change feed.
func New(d Dialer, store MessageStore, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.FeedWait <= 0 {
		opts.FeedWait = 25 * time.Second
	}
	log := opts.Logger.With().Str("component", "session").Str("user_id", opts.UserID).Logger()
	reg := timers.New(opts.Clock)
	userID := func() string { return opts.UserID }

	s := &Session{opts: opts, log: log, timers: reg}
	s.Conn = NewConnectionManager(d, reg, log, ManagerOptions{
		ReconnectBase: opts.ReconnectBase,
		ReconnectCap:  opts.ReconnectCap,
		MaxAttempts:   opts.MaxAttempts,
	})
	s.Router = NewMessageRouter(s.Conn, store, opts.Clock, log, userID, RouterOptions{
		MaxContentRunes: opts.MaxContentRunes,
		DedupHorizon:    opts.DedupHorizon,
	})
	s.Presence = NewPresenceTracker(s.Conn, reg, log, userID, PresenceOptions{
		IdleAfter: opts.IdleAfter,
		Heartbeat: opts.Heartbeat,
	})
	s.Typing = NewTypingCoordinator(s.Conn, reg, log, userID, opts.TypingTTL)
	s.Rooms = NewRoomSubscriptionManager(s.Conn, s.Typing, log)
	if src, ok := store.(ChangeSource); ok {
		s.feed = NewFeedPoller(src, opts.Clock, log, opts.FeedWait, s.applyChange)
	}
	s.life = s.Conn.Lifecycle()
	s.inbound = s.Conn.Inbound()
	return s
}

// Start begins dispatching and connects. A failed first connect is
// returned but retries continue in the background.
func (s *Session) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(runCtx)
		if s.feed != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.feed.Run(runCtx)
			}()
		}
	})
	return s.Conn.Connect(ctx, s.opts.UserID)
}

// Close signs out, disconnects and stops every goroutine and timer.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Presence.SignOut()
		s.Conn.Close()
		if s.cancel != nil {
			s.cancel()
		}
		s.life.Close()
		s.inbound.Close()
		s.wg.Wait()
		s.timers.Close()
		s.Router.Close()
		s.Presence.Close()
		s.Typing.Close()
	})
}

// Send is Router.Send.
func (s *Session) Send(ctx context.Context, m *domain.Message) error { return s.Router.Send(ctx, m) }

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.life.C():
			if !ok {
				return
			}
			s.onLifecycle(ctx, ev)
		case env, ok := <-s.inbound.C():
			if !ok {
				return
			}
			s.onFrame(env)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) onLifecycle(ctx context.Context, ev Lifecycle) {
	switch ev.Kind {
	case Connected:
		s.Presence.OnConnected()
		s.Rooms.Rejoin(ctx)
	case Disconnected:
		s.Presence.OnDisconnected()
		s.Typing.Reset()
	case Reconnecting:
		s.log.Info().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("reconnecting")
	case Failed:
		if ev.Terminal {
			s.log.Error().Err(ev.Err).Msg("connection given up")
		}
	}
}

func (s *Session) onFrame(env wire.Envelope) {
	var err error
	switch env.Event {
	case wire.UserConnected:
		var p wire.UserConnectedPayload
		if err = env.Bind(&p); err == nil {
			s.Presence.OnPeers(p.ConnectedUsers)
		}
	case wire.UserOnline, wire.UserOffline, wire.UserStatus:
		var p wire.PresencePayload
		if err = env.Bind(&p); err == nil {
			s.Presence.OnPeer(domain.Presence{UserID: p.UserID, Status: p.Status, LastSeen: p.LastSeen})
		}
	case wire.MessageReceive:
		var p wire.MessageSendPayload
		if err = env.Bind(&p); err == nil {
			m := p.ToMessage()
			s.Router.Ingest(m, SourcePush)
		}
	case wire.MessageAck:
		var p wire.MessageAckPayload
		if err = env.Bind(&p); err == nil {
			s.Router.OnAck(p)
		}
	case wire.MessageRead:
		var p wire.MessageReadPayload
		if err = env.Bind(&p); err == nil {
			s.Router.OnRead(p)
		}
	case wire.MessageReaction:
		var p wire.MessageReactionPayload
		if err = env.Bind(&p); err == nil {
			s.Router.OnReaction(p)
		}
	case wire.TypingStart:
		var p wire.TypingPayload
		if err = env.Bind(&p); err == nil {
			s.Typing.OnRemoteStart(p)
		}
	case wire.TypingStop:
		var p wire.TypingPayload
		if err = env.Bind(&p); err == nil {
			s.Typing.OnRemoteStop(p)
		}
	case wire.Error:
		var p wire.ErrorPayload
		if err = env.Bind(&p); err == nil {
			s.onRelayError(p)
		}
	case wire.Disconnect:
		// the connection manager reads the reason; nothing to do here
	default:
		s.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
	if err != nil {
		s.log.Warn().Err(err).Str("event", env.Event).Msg("bad frame from relay")
	}
}

func (s *Session) onRelayError(p wire.ErrorPayload) {
	s.log.Warn().Str("code", p.Code).Str("event", p.Event).Str("chat_id", p.ChatID).Msg(p.Message)
	if p.Event == wire.ChatJoin && p.Code == wire.CodeForbidden {
		s.Rooms.Forget(p.ChatID)
	}
	s.Router.OnError(p)
}

func (s *Session) applyChange(c domain.Change) {
	switch c.Table {
	case domain.ChangeTableMessages:
		s.Router.ApplyChange(c)
	case domain.ChangeTablePresence:
		s.Presence.ApplyChange(c)
	}
}
