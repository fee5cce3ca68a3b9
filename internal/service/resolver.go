package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/metrics"
)

// GameResolver resolves one game. *settlement.Engine satisfies it.
type GameResolver interface {
	Resolve(ctx context.Context, gameID uint64) (domain.Game, error)
}

// DueLister lists running games past expiry.
type DueLister interface {
	ListDue(ctx context.Context, now int64, limit int) ([]domain.Game, error)
}

// ResolverConfig tunes the Resolver keeper.
type ResolverConfig struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// Resolver periodically resolves games whose expiry has passed. With a lock
// manager configured only one instance sweeps at a time.
type Resolver struct {
	engine GameResolver
	games  DueLister
	locks  domain.LockManager
	clock  domain.Clock
	cfg    ResolverConfig
	logger *slog.Logger
}

// resolverLock is the lock name shared by all resolver instances.
const resolverLock = "resolver"

// NewResolver creates a Resolver. locks may be nil for single-node setups.
func NewResolver(engine GameResolver, games DueLister, locks domain.LockManager, clock domain.Clock, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Resolver{
		engine: engine,
		games:  games,
		locks:  locks,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "resolver")),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "resolver sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep resolves one batch of due games and returns how many resolved.
// Games whose oracle read fails stay Running and are retried next sweep.
func (r *Resolver) Sweep(ctx context.Context) (int, error) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, resolverLock, r.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			metrics.ResolverRuns.WithLabelValues("skipped").Inc()
			r.logger.DebugContext(ctx, "resolver lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			metrics.ResolverRuns.WithLabelValues("error").Inc()
			return 0, fmt.Errorf("service: resolver lock: %w", err)
		}
		defer unlock()
	}

	due, err := r.games.ListDue(ctx, r.clock.Now().Unix(), r.cfg.BatchSize)
	if err != nil {
		metrics.ResolverRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("service: list due games: %w", err)
	}

	resolved := 0
	for _, g := range due {
		if ctx.Err() != nil {
			break
		}
		game, err := r.engine.Resolve(ctx, g.ID)
		switch {
		case err == nil:
			resolved++
			r.logger.InfoContext(ctx, "game resolved",
				slog.Uint64("game_id", game.ID),
				slog.String("state", game.State.String()),
			)
		case errors.Is(err, domain.ErrNotRunning), errors.Is(err, domain.ErrNotYetExpired):
			// Resolved through the API since ListDue ran.
			r.logger.DebugContext(ctx, "game no longer due", slog.Uint64("game_id", g.ID))
		default:
			r.logger.WarnContext(ctx, "resolve failed",
				slog.Uint64("game_id", g.ID),
				slog.String("reference", g.Reference.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	metrics.ResolverRuns.WithLabelValues("ok").Inc()
	return resolved, nil
}
