package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/metrics"
)

// BetParams describes one stake.
type BetParams struct {
	GameID uint64
	Owner  common.Address
	Side   domain.Side
	Amount uint64
}

// PlaceBet moves Amount from Owner into the game's vault and records a new
// Position. Bets are accepted while the game is Running and the clock is at
// or before both the freeze and the expiry time.
func (e *Engine) PlaceBet(ctx context.Context, p BetParams) (pos domain.Position, err error) {
	start := time.Now()
	defer func() { e.observe("place_bet", start, err) }()

	if !p.Side.Valid() {
		return domain.Position{}, fmt.Errorf("%w: %d", domain.ErrInvalidSide, uint8(p.Side))
	}
	if p.Amount == 0 {
		return domain.Position{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidParameters)
	}
	if p.Owner == (common.Address{}) {
		return domain.Position{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidParameters)
	}

	err = e.store.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		game, err := tx.LockGame(ctx, p.GameID)
		if err != nil {
			return fmt.Errorf("settlement: lock game %d: %w", p.GameID, err)
		}
		if game.State != domain.GameRunning {
			return fmt.Errorf("%w: game %d is %s", domain.ErrBettingClosed, game.ID, game.State)
		}
		now := e.now()
		// Both bounds are enforced even though freeze <= expiry at creation.
		if now > game.FreezeAt || now > game.ExpiryAt {
			return fmt.Errorf("%w: game %d froze at %d", domain.ErrBettingClosed, game.ID, game.FreezeAt)
		}

		next, err := addStake(game, p.Side, p.Amount)
		if err != nil {
			return err
		}

		if err := e.vault.TransferIn(ctx, game.Vault, p.Owner, p.Amount); err != nil {
			return domain.TransferFailed("transfer_in", err)
		}

		pos = domain.Position{
			ID:        uuid.New().String(),
			GameID:    game.ID,
			Owner:     p.Owner,
			Side:      p.Side,
			Amount:    p.Amount,
			CreatedAt: now,
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("settlement: insert position: %w", err)
		}
		if err := tx.UpdateGame(ctx, next); err != nil {
			return fmt.Errorf("settlement: update game %d: %w", game.ID, err)
		}
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}

	metrics.BetsPlaced.WithLabelValues(pos.Side.String()).Inc()
	metrics.StakedVolume.Add(float64(pos.Amount))
	e.logger.InfoContext(ctx, "settlement: bet placed",
		slog.Uint64("game_id", pos.GameID),
		slog.String("position_id", pos.ID),
		slog.String("owner", pos.Owner.Hex()),
		slog.String("side", pos.Side.String()),
		slog.Uint64("amount", pos.Amount),
	)
	owner := pos.Owner
	e.emit(ctx, domain.Event{
		Type:       domain.EventBetPlaced,
		GameID:     pos.GameID,
		PositionID: pos.ID,
		Owner:      &owner,
		Side:       pos.Side.String(),
		Amount:     pos.Amount,
		At:         pos.CreatedAt,
	})
	return pos, nil
}

// addStake returns g with amount added to the pot, the side total and the
// open position count. Any overflow rejects the whole update.
func addStake(g domain.Game, side domain.Side, amount uint64) (domain.Game, error) {
	pot, overflow := math.SafeAdd(g.TotalPot, amount)
	if overflow {
		return g, fmt.Errorf("%w: total pot", domain.ErrArithmeticOverflow)
	}
	var sideTotal uint64
	if side == domain.SideFor {
		sideTotal, overflow = math.SafeAdd(g.AmountFor, amount)
	} else {
		sideTotal, overflow = math.SafeAdd(g.AmountAgainst, amount)
	}
	if overflow {
		return g, fmt.Errorf("%w: %s total", domain.ErrArithmeticOverflow, side)
	}
	open, overflow := math.SafeAdd(g.OpenPositions, 1)
	if overflow {
		return g, fmt.Errorf("%w: open positions", domain.ErrArithmeticOverflow)
	}

	g.TotalPot = pot
	if side == domain.SideFor {
		g.AmountFor = sideTotal
	} else {
		g.AmountAgainst = sideTotal
	}
	g.OpenPositions = open
	return g, nil
}
