package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/careline/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultExpirySchedule   = "@every 5m"
	DefaultArchiveRetention = 7 * 24 * time.Hour
)

// ArchivePurger is implemented by stores that keep archived sessions on disk.
type ArchivePurger interface {
	PurgeArchive(maxAge time.Duration) (int, error)
}

// ExpireFunc archives one idle session. The orchestrator service supplies
// one that takes the session's lane so expiry never races a live turn.
type ExpireFunc func(ctx context.Context, id string) error

// Expirer archives sessions idle longer than the idle timeout on a cron
// schedule, and purges old archives when the store supports it.
type Expirer struct {
	store            Store
	idleTimeout      time.Duration
	archiveRetention time.Duration
	schedule         string
	expire           ExpireFunc
	now              func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// ExpirerOption configures an Expirer.
type ExpirerOption func(*Expirer)

// WithSchedule sets the cron schedule, e.g. "@every 5m".
func WithSchedule(spec string) ExpirerOption {
	return func(e *Expirer) { e.schedule = spec }
}

// WithArchiveRetention sets how long archived sessions are kept.
func WithArchiveRetention(d time.Duration) ExpirerOption {
	return func(e *Expirer) { e.archiveRetention = d }
}

// WithExpireFunc replaces the direct store archive call.
func WithExpireFunc(fn ExpireFunc) ExpirerOption {
	return func(e *Expirer) { e.expire = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExpirerOption {
	return func(e *Expirer) { e.now = now }
}

// NewExpirer creates an expirer over store.
func NewExpirer(store Store, idleTimeout time.Duration, opts ...ExpirerOption) *Expirer {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	e := &Expirer{
		store:            store,
		idleTimeout:      idleTimeout,
		archiveRetention: DefaultArchiveRetention,
		schedule:         DefaultExpirySchedule,
		now:              time.Now,
	}
	e.expire = func(ctx context.Context, id string) error {
		return e.store.Archive(ctx, id)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start registers the sweep on the cron schedule and starts the scheduler.
func (e *Expirer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("expirer is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(e.schedule, func() {
		if _, err := e.Sweep(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to expire idle sessions")
		}
	}); err != nil {
		return fmt.Errorf("invalid expiry schedule %q: %w", e.schedule, err)
	}
	c.Start()

	e.cron = c
	e.running = true

	log.Info().
		Dur("idle_timeout", e.idleTimeout).
		Str("schedule", e.schedule).
		Msg("Session expirer started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (e *Expirer) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("expirer is not running")
	}
	c := e.cron
	e.running = false
	e.mu.Unlock()

	<-c.Stop().Done()
	log.Info().Msg("Session expirer stopped")
	return nil
}

// IsRunning returns whether the scheduler is running.
func (e *Expirer) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Sweep archives every session idle for at least the idle timeout and
// returns how many were archived.
func (e *Expirer) Sweep(ctx context.Context) (int, error) {
	infos, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := e.now()
	archived := 0
	for _, info := range infos {
		if now.Sub(info.UpdatedAt) < e.idleTimeout {
			continue
		}
		if err := e.expire(ctx, info.ID); err != nil {
			log.Error().Str("session_key", info.ID).Err(err).Msg("Failed to archive session")
			continue
		}
		observability.RecordSessionAudit(ctx, "session_expired", info.ID, map[string]interface{}{
			"idle_for": now.Sub(info.UpdatedAt).String(),
		})
		archived++
	}

	if archived > 0 {
		observability.RecordSessionsExpired(archived)
		log.Info().Int("archived", archived).Msg("Archived idle sessions")
	}

	if purger, ok := e.store.(ArchivePurger); ok && e.archiveRetention > 0 {
		if removed, err := purger.PurgeArchive(e.archiveRetention); err != nil {
			log.Warn().Err(err).Msg("Failed to purge archived sessions")
		} else if removed > 0 {
			log.Info().Int("removed", removed).Msg("Purged archived sessions")
		}
	}

	return archived, nil
}
