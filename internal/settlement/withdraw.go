package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/metrics"
)

// WithdrawParams identifies the position being claimed and the caller.
type WithdrawParams struct {
	GameID     uint64
	PositionID string
	Owner      common.Address
}

// Receipt is the outcome of a successful withdrawal.
type Receipt struct {
	Position    domain.Position `json:"position"`
	Payout      uint64          `json:"payout"`
	VaultClosed bool            `json:"vault_closed"`
}

// Withdraw pays a winning position its pro-rata share of the pot. The last
// open position to settle also closes the vault, returning any residual
// balance to the game's creator. Losing positions can never withdraw.
func (e *Engine) Withdraw(ctx context.Context, p WithdrawParams) (rcpt Receipt, err error) {
	start := time.Now()
	defer func() { e.observe("withdraw", start, err) }()

	var game domain.Game
	err = e.store.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		g, err := tx.LockGame(ctx, p.GameID)
		if err != nil {
			return fmt.Errorf("settlement: lock game %d: %w", p.GameID, err)
		}
		winner, ok := g.State.WinningSide()
		if !ok {
			return fmt.Errorf("%w: game %d is %s", domain.ErrNotWithdrawable, g.ID, g.State)
		}
		pos, err := tx.LockPosition(ctx, p.PositionID)
		if err != nil {
			return fmt.Errorf("settlement: lock position %s: %w", p.PositionID, err)
		}
		if pos.GameID != g.ID {
			return fmt.Errorf("%w: position %s belongs to game %d", domain.ErrNotWithdrawable, pos.ID, pos.GameID)
		}
		if pos.Owner != p.Owner {
			return fmt.Errorf("%w: position %s is not owned by %s", domain.ErrUnauthorized, pos.ID, p.Owner.Hex())
		}
		if pos.Settled {
			return fmt.Errorf("%w: position %s", domain.ErrAlreadySettled, pos.ID)
		}
		if pos.Side != winner {
			return fmt.Errorf("%w: position %s is %s, game %d is %s", domain.ErrWrongSide, pos.ID, pos.Side, g.ID, g.State)
		}

		payout, err := Payout(pos.Amount, g.TotalPot, g.SideTotal(winner))
		if err != nil {
			return err
		}
		open, underflow := math.SafeSub(g.OpenPositions, 1)
		if underflow {
			return fmt.Errorf("%w: open positions of game %d", domain.ErrArithmeticOverflow, g.ID)
		}

		now := e.now()
		pos.Settled = true
		pos.Payout = payout
		pos.SettledAt = &now
		g.OpenPositions = open

		signer := e.deriver.Derive(g.ID)
		if g.OpenPositions == 0 {
			if err := e.payAndClose(ctx, g, signer, pos.Owner, payout); err != nil {
				return err
			}
			g.ClosedAt = &now
		} else if err := e.vault.TransferOut(ctx, g.Vault, signer, pos.Owner, payout); err != nil {
			return domain.TransferFailed("transfer_out", err)
		}

		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return fmt.Errorf("settlement: update position %s: %w", pos.ID, err)
		}
		if err := tx.UpdateGame(ctx, g); err != nil {
			return fmt.Errorf("settlement: update game %d: %w", g.ID, err)
		}
		game = g
		rcpt = Receipt{Position: pos, Payout: payout, VaultClosed: g.Closed()}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	metrics.Withdrawals.Inc()
	metrics.PaidOutVolume.Add(float64(rcpt.Payout))
	e.logger.InfoContext(ctx, "settlement: position withdrawn",
		slog.Uint64("game_id", game.ID),
		slog.String("position_id", rcpt.Position.ID),
		slog.String("owner", rcpt.Position.Owner.Hex()),
		slog.Uint64("payout", rcpt.Payout),
		slog.Uint64("open_positions", game.OpenPositions),
	)
	owner := rcpt.Position.Owner
	e.emit(ctx, domain.Event{
		Type:       domain.EventWithdrawn,
		GameID:     game.ID,
		PositionID: rcpt.Position.ID,
		Owner:      &owner,
		Side:       rcpt.Position.Side.String(),
		Amount:     rcpt.Payout,
		At:         *rcpt.Position.SettledAt,
	})
	if rcpt.VaultClosed {
		metrics.VaultsClosed.Inc()
		e.logger.InfoContext(ctx, "settlement: vault closed",
			slog.Uint64("game_id", game.ID),
			slog.String("vault", game.Vault.Hex()),
			slog.String("creator", game.Creator.Hex()),
		)
		e.emit(ctx, domain.Event{
			Type:   domain.EventGameClosed,
			GameID: game.ID,
			State:  game.State.String(),
			At:     *game.ClosedAt,
		})
	}
	return rcpt, nil
}

// payAndClose pays the last winner and closes the vault, as one call when
// the vault supports it.
func (e *Engine) payAndClose(ctx context.Context, g domain.Game, signer domain.Authority, to common.Address, payout uint64) error {
	if cv, ok := e.vault.(domain.ClosingVault); ok {
		if err := cv.TransferOutAndClose(ctx, g.Vault, signer, to, payout, g.Creator); err != nil {
			return domain.TransferFailed("close", err)
		}
		return nil
	}
	if err := e.vault.TransferOut(ctx, g.Vault, signer, to, payout); err != nil {
		return domain.TransferFailed("transfer_out", err)
	}
	if err := e.vault.Close(ctx, g.Vault, signer, g.Creator); err != nil {
		return domain.TransferFailed("close", err)
	}
	return nil
}
