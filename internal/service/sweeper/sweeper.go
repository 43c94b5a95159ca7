// Package sweeper removes stale refresh token records on a schedule.
package sweeper

import (
	"context"
	"time"

	"github.com/akostin/flowgate/internal/logger"
)

const (
	defaultInterval  = 1 * time.Hour  // How often to sweep
	defaultRetention = 24 * time.Hour // How long expired records stay queryable
)

type tokenStore interface {
	PurgeExpired(ctx context.Context, deadline time.Time) (int64, error)
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

// Sweeper deletes refresh token records that expired longer than the
// retention window ago. Recently expired records are kept so a late refresh
// attempt can still be told apart from a token that never existed.
type Sweeper struct {
	interval  time.Duration
	retention time.Duration
	tokens    tokenStore
	logger    logger.Logger
}

func New(cfg Config, tokens tokenStore, log logger.Logger) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Sweeper{
		interval:  interval,
		retention: retention,
		tokens:    tokens,
		logger:    log,
	}
}

// Run sweeps until ctx is done. The returned channel is closed when the
// sweeper has fully stopped.
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	s.logger.Debug("Starting token sweeper", "interval", s.interval, "retention", s.retention)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Token sweeper stopped by context")
				return

			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	return idleStopped
}

func (s *Sweeper) sweep(ctx context.Context) {
	deadline := time.Now().UTC().Add(-s.retention)

	purged, err := s.tokens.PurgeExpired(ctx, deadline)
	if err != nil {
		s.logger.Error("Failed to purge expired refresh tokens", "error", err)
		return
	}

	if purged > 0 {
		s.logger.Info("Purged expired refresh tokens", "count", purged)
	}
}
