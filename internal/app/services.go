package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/parimutuel/internal/server"
	"github.com/alanyoungcy/parimutuel/internal/server/handler"
	"github.com/alanyoungcy/parimutuel/internal/server/ws"
	"github.com/alanyoungcy/parimutuel/internal/service"
	"github.com/alanyoungcy/parimutuel/internal/settlement"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// serve starts the background keepers and the HTTP API, and blocks until ctx
// is cancelled or one of them fails.
func (a *App) serve(ctx context.Context, deps *Dependencies, engine *settlement.Engine) error {
	g, ctx := errgroup.WithContext(ctx)

	if deps.Feeder != nil {
		g.Go(func() error { return deps.Feeder.Run(ctx) })
	}

	if a.cfg.Resolver.Enabled {
		resolver := service.NewResolver(engine, deps.Store, deps.Locks, nil, service.ResolverConfig{
			Interval:  a.cfg.Resolver.Interval.Duration,
			BatchSize: a.cfg.Resolver.BatchSize,
		}, a.logger)
		g.Go(func() error { return resolver.Run(ctx) })
	}

	if a.cfg.Archive.Enabled && deps.Blobs != nil {
		archiver := service.NewArchiver(deps.Store, deps.Blobs, deps.Bus, nil, service.ArchiverConfig{
			Interval:  a.cfg.Archive.Interval.Duration,
			BatchSize: a.cfg.Archive.BatchSize,
			MinAge:    a.cfg.Archive.MinAge.Duration,
			Prefix:    a.cfg.Archive.Prefix,
		}, a.logger)
		g.Go(func() error { return archiver.Run(ctx) })
	}

	if deps.Notifier.Enabled() {
		relay := service.NewEventRelay(deps.Bus, deps.Notifier, a.logger)
		g.Go(func() error { return relay.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine)
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// startHTTPServer adds the websocket hub and HTTP server goroutines to g. The
// server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *settlement.Engine) {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		StartedAt:      time.Now().UTC(),
	})
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Games:   handler.NewGameHandler(engine, a.logger),
		Custody: handler.NewCustodyHandler(deps.Ledger, handler.CreditPolicy{
			Faucet:   a.cfg.Custody.Faucet,
			Operator: common.HexToAddress(a.cfg.Custody.Operator),
		}, a.logger),
	}
	if deps.Audit != nil {
		handlers.Audit = handler.NewAuditHandler(deps.Audit, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,

		SignatureSkew: a.cfg.Server.SignatureSkew.Duration,
		Replay:        deps.Locks,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down",
			slog.Duration("timeout", shutdownTimeout))
		return srv.Shutdown(shutCtx)
	})
}
