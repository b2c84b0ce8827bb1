package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/timers"
	"github.com/tbourn/go-chat-realtime/internal/wire"
)

var (
	idleKey      = timers.Key{Kind: "idle"}
	heartbeatKey = timers.Key{Kind: "heartbeat"}
)

// PresenceOptions tunes the tracker.
type PresenceOptions struct {
	IdleAfter time.Duration // 5m without activity moves ONLINE to AWAY
	Heartbeat time.Duration // 30s re-announce while connected
}

// PresenceTracker runs the local user's status machine
//
//	OFFLINE -> ONLINE   connect, or activity while AWAY
//	ONLINE  -> AWAY     IdleAfter without activity, or focus lost
//	AWAY    -> ONLINE   activity or focus regained
//	*       -> OFFLINE  sign-out, unload, or connection loss
//
// BUSY is entered and left only through SetBusy and ClearBusy, and
// suppresses the automatic transitions in between. It also keeps the
// last known presence of every peer.
type PresenceTracker struct {
	emitter Emitter
	timers  *timers.Registry
	clock   clockwork.Clock
	log     zerolog.Logger
	opts    PresenceOptions
	userID  func() string

	changes *Topic[domain.Presence]

	mu        sync.Mutex
	status    domain.PresenceStatus
	busy      bool
	connected bool
	peers     map[string]domain.Presence
}

// NewPresenceTracker returns an OFFLINE tracker.
func NewPresenceTracker(e Emitter, reg *timers.Registry, log zerolog.Logger, userID func() string, opts PresenceOptions) *PresenceTracker {
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = 5 * time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	return &PresenceTracker{
		emitter: e,
		timers:  reg,
		clock:   reg.Clock(),
		log:     log,
		opts:    opts,
		userID:  userID,
		changes: NewTopic[domain.Presence](),
		status:  domain.PresenceOffline,
		peers:   make(map[string]domain.Presence),
	}
}

// OnChange subscribes to presence changes of the local user and of peers.
func (p *PresenceTracker) OnChange() *Subscription[domain.Presence] { return p.changes.Subscribe() }

// Status returns the local user's status.
func (p *PresenceTracker) Status() domain.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnConnected moves OFFLINE to ONLINE (or restores BUSY) and starts the
// idle and heartbeat timers. The relay announces the connect itself; a
// restored BUSY is re-announced here.
func (p *PresenceTracker) OnConnected() {
	p.mu.Lock()
	p.connected = true
	announce := p.busy
	if p.busy {
		p.status = domain.PresenceBusy
	} else {
		p.status = domain.PresenceOnline
		p.armIdleLocked()
	}
	p.armHeartbeatLocked()
	st := p.status
	p.mu.Unlock()

	p.publishSelf(st)
	if announce {
		p.announce(st)
	}
}

// OnDisconnected records the loss of the connection. The relay marks the
// user OFFLINE for everyone else; locally the status follows.
func (p *PresenceTracker) OnDisconnected() {
	p.mu.Lock()
	p.connected = false
	p.timers.Cancel(idleKey)
	p.timers.Cancel(heartbeatKey)
	changed := p.status != domain.PresenceOffline
	p.status = domain.PresenceOffline
	p.mu.Unlock()
	if changed {
		p.publishSelf(domain.PresenceOffline)
	}
}

// Activity records user input. AWAY returns to ONLINE and the idle timer
// restarts.
func (p *PresenceTracker) Activity() {
	p.mu.Lock()
	if !p.connected || p.busy {
		p.mu.Unlock()
		return
	}
	p.armIdleLocked()
	if p.status == domain.PresenceOnline {
		p.mu.Unlock()
		return
	}
	p.status = domain.PresenceOnline
	p.mu.Unlock()
	p.transitioned(domain.PresenceOnline)
}

// FocusLost moves ONLINE to AWAY.
func (p *PresenceTracker) FocusLost() {
	p.mu.Lock()
	if p.status != domain.PresenceOnline {
		p.mu.Unlock()
		return
	}
	p.status = domain.PresenceAway
	p.timers.Cancel(idleKey)
	p.mu.Unlock()
	p.transitioned(domain.PresenceAway)
}

// FocusGained counts as activity.
func (p *PresenceTracker) FocusGained() { p.Activity() }

// SetBusy enters BUSY until ClearBusy.
func (p *PresenceTracker) SetBusy() {
	p.mu.Lock()
	p.busy = true
	p.timers.Cancel(idleKey)
	if !p.connected || p.status == domain.PresenceBusy {
		p.mu.Unlock()
		return
	}
	p.status = domain.PresenceBusy
	p.mu.Unlock()
	p.transitioned(domain.PresenceBusy)
}

// ClearBusy leaves BUSY for ONLINE.
func (p *PresenceTracker) ClearBusy() {
	p.mu.Lock()
	p.busy = false
	if !p.connected || p.status != domain.PresenceBusy {
		p.mu.Unlock()
		return
	}
	p.status = domain.PresenceOnline
	p.armIdleLocked()
	p.mu.Unlock()
	p.transitioned(domain.PresenceOnline)
}

// SignOut announces OFFLINE and stops the timers. The caller disconnects
// afterwards.
func (p *PresenceTracker) SignOut() {
	p.mu.Lock()
	wasConnected := p.connected
	p.timers.Cancel(idleKey)
	p.timers.Cancel(heartbeatKey)
	changed := p.status != domain.PresenceOffline
	p.status = domain.PresenceOffline
	p.busy = false
	p.mu.Unlock()
	if !changed {
		return
	}
	if wasConnected {
		p.announce(domain.PresenceOffline)
	}
	p.publishSelf(domain.PresenceOffline)
}

// Unload is SignOut for a closing client.
func (p *PresenceTracker) Unload() { p.SignOut() }

func (p *PresenceTracker) onIdle() {
	p.mu.Lock()
	if p.status != domain.PresenceOnline {
		p.mu.Unlock()
		return
	}
	p.status = domain.PresenceAway
	p.mu.Unlock()
	p.transitioned(domain.PresenceAway)
}

func (p *PresenceTracker) onHeartbeat() {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	st := p.status
	p.armHeartbeatLocked()
	p.mu.Unlock()
	p.announce(st)
}

func (p *PresenceTracker) armIdleLocked() {
	p.timers.Arm(idleKey, p.opts.IdleAfter, p.onIdle)
}

func (p *PresenceTracker) armHeartbeatLocked() {
	p.timers.Arm(heartbeatKey, p.opts.Heartbeat, p.onHeartbeat)
}

func (p *PresenceTracker) transitioned(st domain.PresenceStatus) {
	p.announce(st)
	p.publishSelf(st)
}

// announce tells the relay. Failures are logged only.
func (p *PresenceTracker) announce(st domain.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.emitter.Emit(ctx, wire.UserStatus, wire.PresencePayload{
		UserID:   p.userID(),
		Status:   st,
		LastSeen: p.clock.Now().UTC(),
	})
	if err != nil {
		p.log.Debug().Err(err).Str("status", string(st)).Msg("presence announce failed")
	}
}

func (p *PresenceTracker) publishSelf(st domain.PresenceStatus) {
	p.changes.Publish(domain.Presence{UserID: p.userID(), Status: st, LastSeen: p.clock.Now().UTC()})
}

// ----- peers -----

// OnPeer applies a peer's presence, last writer wins by LastSeen.
func (p *PresenceTracker) OnPeer(rec domain.Presence) {
	if rec.UserID == "" || rec.UserID == p.userID() {
		return
	}
	p.mu.Lock()
	if cur, ok := p.peers[rec.UserID]; ok && rec.LastSeen.Before(cur.LastSeen) {
		p.mu.Unlock()
		return
	}
	p.peers[rec.UserID] = rec
	p.mu.Unlock()
	p.changes.Publish(rec)
}

// OnPeers applies the roster carried by user:connected.
func (p *PresenceTracker) OnPeers(list []domain.Presence) {
	for _, rec := range list {
		p.OnPeer(rec)
	}
}

// ApplyChange folds a presence row from the change feed.
func (p *PresenceTracker) ApplyChange(c domain.Change) {
	if c.Table == domain.ChangeTablePresence && c.Presence != nil {
		p.OnPeer(*c.Presence)
	}
}

// Peer returns the last known presence of userID.
func (p *PresenceTracker) Peer(userID string) (domain.Presence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.peers[userID]
	return rec, ok
}

// Peers returns every known peer, sorted by user ID.
func (p *PresenceTracker) Peers() []domain.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Presence, 0, len(p.peers))
	for _, rec := range p.peers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsStale reports whether a peer that claims to be connected has not been
// heard from for more than two heartbeat intervals. Consumers should show
// such peers as offline; the tracker itself never rewrites them.
func (p *PresenceTracker) IsStale(userID string) bool {
	p.mu.Lock()
	rec, ok := p.peers[userID]
	p.mu.Unlock()
	if !ok || rec.Status == domain.PresenceOffline {
		return false
	}
	return p.clock.Since(rec.LastSeen) > 2*p.opts.Heartbeat
}

// Close ends all subscriptions.
func (p *PresenceTracker) Close() { p.changes.Close() }
