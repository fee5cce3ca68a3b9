package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/metrics"
)

// Resolve reads the oracle for a Running game at or after its expiry and
// records the winning side. It succeeds at most once per game: the Running
// check under the row lock acts as the compare-and-set.
func (e *Engine) Resolve(ctx context.Context, gameID uint64) (game domain.Game, err error) {
	start := time.Now()
	defer func() { e.observe("resolve", start, err) }()

	var reading domain.PriceReading
	err = e.store.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		g, err := tx.LockGame(ctx, gameID)
		if err != nil {
			return fmt.Errorf("settlement: lock game %d: %w", gameID, err)
		}
		if g.State != domain.GameRunning {
			return fmt.Errorf("%w: game %d is %s", domain.ErrNotRunning, g.ID, g.State)
		}
		if now := e.now(); now < g.ExpiryAt {
			return fmt.Errorf("%w: game %d expires at %d, now %d", domain.ErrNotYetExpired, g.ID, g.ExpiryAt, now)
		}

		reading, err = e.oracle.Read(ctx, g.Reference)
		if err != nil {
			return domain.OracleFailed("read "+g.Reference.String(), err)
		}
		// TODO: gate resolution on reading.Confidence once a rejection
		// policy for wide confidence intervals is agreed on.
		observed := Power(reading.Price, reading.Expo)
		bound := Power(float64(g.Threshold.Value), g.Threshold.Exponent)
		state, err := Decide(g.Comparator, observed, bound)
		if err != nil {
			return err
		}

		g.State = state
		if err := tx.UpdateGame(ctx, g); err != nil {
			return fmt.Errorf("settlement: update game %d: %w", g.ID, err)
		}
		game = g
		return nil
	})
	if err != nil {
		return domain.Game{}, err
	}

	metrics.GamesResolved.WithLabelValues(game.State.String()).Inc()
	e.logger.InfoContext(ctx, "settlement: game resolved",
		slog.Uint64("game_id", game.ID),
		slog.String("state", game.State.String()),
		slog.Float64("price", reading.Price),
		slog.Int("expo", int(reading.Expo)),
		slog.Float64("confidence", reading.Confidence),
	)
	e.emit(ctx, domain.Event{
		Type:   domain.EventGameResolved,
		GameID: game.ID,
		State:  game.State.String(),
		At:     e.now(),
	})
	return game, nil
}
