// Package retention prunes the change feed on a cron schedule. Subscribers
// that fall further behind than the retention window must resync from the
// message list endpoint.
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-realtime/internal/config"
)

// retryAfter is how long the loop waits when the expression yields no tick.
const retryAfter = 30 * time.Second

// Pruner deletes change rows older than maxAge.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Janitor runs Pruner on a cron expression.
type Janitor struct {
	pruner Pruner
	cron   string
	maxAge time.Duration
	clock  clockwork.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
}

// Option customizes a Janitor.
type Option func(*Janitor)

// WithClock swaps the clock, for tests.
func WithClock(c clockwork.Clock) Option { return func(j *Janitor) { j.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(j *Janitor) { j.log = l } }

// New validates cron and returns a janitor keeping maxAge worth of changes.
func New(p Pruner, cron string, maxAge time.Duration, opts ...Option) (*Janitor, error) {
	if !gronx.IsValid(cron) {
		return nil, errors.New("retention: invalid cron expression " + cron)
	}
	if maxAge <= 0 {
		return nil, errors.New("retention: max age must be positive")
	}
	j := &Janitor{
		pruner: p,
		cron:   cron,
		maxAge: maxAge,
		clock:  clockwork.NewRealClock(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(j)
	}
	j.log = j.log.With().Str("component", "retention").Logger()
	return j, nil
}

// FromConfig builds a janitor from the change-feed settings.
func FromConfig(p Pruner, cfg config.ChangesConfig, opts ...Option) (*Janitor, error) {
	return New(p, cfg.RetentionCron, cfg.Retention, opts...)
}

// Start runs the schedule until ctx is done. The returned channel closes
// when the loop has exited.
func (j *Janitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	j.log.Info().Str("cron", j.cron).Dur("max_age", j.maxAge).Msg("retention enabled")
	go func() {
		defer close(done)
		j.loop(ctx)
	}()
	return done
}

func (j *Janitor) loop(ctx context.Context) {
	for {
		now := j.clock.Now()
		next, err := gronx.NextTickAfter(j.cron, now, false)
		wait := next.Sub(now)
		if err != nil {
			j.log.Error().Err(err).Msg("next tick failed")
			wait = retryAfter
		}
		if wait < 0 {
			wait = 0
		}

		t := j.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.Chan():
			if err == nil {
				_, _ = j.RunOnce(ctx)
			}
		}
	}
}

// RunOnce prunes immediately. Overlapping calls are skipped and report 0.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return 0, nil
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	start := j.clock.Now()
	n, err := j.pruner.Prune(ctx, j.maxAge)
	if err != nil {
		j.log.Error().Err(err).Msg("prune failed")
		return 0, err
	}
	j.log.Info().Int64("pruned", n).Dur("took", j.clock.Since(start)).Msg("change feed pruned")
	return n, nil
}
