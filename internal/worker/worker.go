// Package worker runs the polling side of syncq: a pool of goroutines that
// claim queued messages and hand them to the messaging service, the
// lock-reset sweep run before the pool starts, and a periodic retry of
// finished messages whose archival or deletion failed.
//
// The core never schedules anything itself; this package owns pacing. Each
// worker claims under its own lock name:
//
//	<node id>/<session uuid>/<worker number>
//
// The session UUID changes on every start, so locks left by a crashed
// process never collide with live ones.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/syncq/internal/messaging"
)

// Processor is the slice of the messaging service the pool drives.
type Processor interface {
	ProcessNext(ctx context.Context, lockName string) (bool, error)
}

// Retirer finishes terminal messages whose archival or deletion failed.
type Retirer interface {
	RetireFinishedMessages(ctx context.Context) (int, error)
}

// Config controls the pool size and pacing.
type Config struct {
	// NodeID prefixes every lock name.
	NodeID string
	// Workers is the number of polling goroutines.
	Workers int
	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration
	// ErrorBackoff is how long a worker waits after the store was unavailable.
	ErrorBackoff time.Duration
	// Rate caps claims per second across the pool. Zero means unlimited.
	Rate float64
	// Burst is the limiter burst. Defaults to Workers.
	Burst int
	// RetireInterval is how often the Retirer runs. Defaults to one minute.
	RetireInterval time.Duration
}

// Option is a functional option for the Pool.
type Option func(*Pool)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithRetirer runs r when the pool starts and every Config.RetireInterval
// after that.
func WithRetirer(r Retirer) Option {
	return func(p *Pool) { p.retirer = r }
}

// WithSession fixes the session ID. Tests only.
func WithSession(id string) Option {
	return func(p *Pool) { p.session = id }
}

// Pool is a fixed set of workers polling one Processor.
type Pool struct {
	proc    Processor
	cfg     Config
	session string
	limiter *rate.Limiter
	retirer Retirer
	log     *slog.Logger
}

// New returns a Pool. Call Run to start it.
func New(proc Processor, cfg Config, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Workers
	}
	if cfg.RetireInterval <= 0 {
		cfg.RetireInterval = time.Minute
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	p := &Pool{
		proc:    proc,
		cfg:     cfg,
		session: uuid.NewString(),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Session returns the ID shared by this pool's lock names.
func (p *Pool) Session() string { return p.session }

// LockName returns the lock name of worker n.
func (p *Pool) LockName(n int) string {
	return fmt.Sprintf("%s/%s/%d", p.cfg.NodeID, p.session, n)
}

// Run starts every worker and blocks until ctx is done. Processing errors are
// logged and never stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for n := 1; n <= p.cfg.Workers; n++ {
		lock := p.LockName(n)
		g.Go(func() error { return p.loop(gctx, lock) })
	}
	if p.retirer != nil {
		g.Go(func() error { return p.retireLoop(gctx) })
	}
	p.log.Info("worker pool started", "workers", p.cfg.Workers, "session", p.session)
	err := g.Wait()
	p.log.Info("worker pool stopped", "session", p.session)
	return err
}

func (p *Pool) loop(ctx context.Context, lock string) error {
	for {
		// Wait fails only when ctx ends, or its deadline would pass first.
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}

		claimed, err := p.proc.ProcessNext(ctx, lock)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			p.log.Error("process next", "lock_name", lock, "error", err)
			wait := p.cfg.PollInterval
			if errors.Is(err, messaging.ErrServiceUnavailable) {
				wait = p.cfg.ErrorBackoff
			}
			if !sleep(ctx, wait) {
				return nil
			}
		case !claimed:
			if !sleep(ctx, p.cfg.PollInterval) {
				return nil
			}
		}
	}
}

func (p *Pool) retireLoop(ctx context.Context) error {
	for {
		if _, err := p.retirer.RetireFinishedMessages(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("retire finished messages", "error", err)
		}
		if !sleep(ctx, p.cfg.RetireInterval) {
			return nil
		}
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
