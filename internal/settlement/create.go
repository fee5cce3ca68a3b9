package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/metrics"
)

// CreateParams describes a new game. Offsets are measured from the time of
// creation and are truncated to whole seconds.
type CreateParams struct {
	Reference   string
	Comparator  domain.Comparator
	Threshold   domain.Threshold
	ExpireAfter time.Duration
	FreezeAfter time.Duration
	Creator     common.Address
	Vault       common.Address
}

// validate checks p and returns the bounded reference and the offsets in
// seconds.
func (p CreateParams) validate() (ref domain.Reference, freeze, expiry int64, err error) {
	freeze = int64(p.FreezeAfter / time.Second)
	expiry = int64(p.ExpireAfter / time.Second)
	if freeze <= 0 || expiry <= 0 {
		return "", 0, 0, fmt.Errorf("%w: freeze and expiry offsets must be positive", domain.ErrInvalidParameters)
	}
	if freeze > expiry {
		return "", 0, 0, fmt.Errorf("%w: freeze offset %ds after expiry offset %ds", domain.ErrInvalidParameters, freeze, expiry)
	}
	if !p.Comparator.Valid() {
		return "", 0, 0, fmt.Errorf("%w: unknown comparator %d", domain.ErrInvalidParameters, uint8(p.Comparator))
	}
	if p.Creator == (common.Address{}) || p.Vault == (common.Address{}) {
		return "", 0, 0, fmt.Errorf("%w: creator and vault are required", domain.ErrInvalidParameters)
	}
	ref, err = domain.NewReference(p.Reference)
	if err != nil {
		return "", 0, 0, err
	}
	return ref, freeze, expiry, nil
}

// Create allocates a new Running game and hands custody of its vault from
// the creator to the game's derived authority.
func (e *Engine) Create(ctx context.Context, p CreateParams) (game domain.Game, err error) {
	start := time.Now()
	defer func() { e.observe("create", start, err) }()

	ref, freeze, expiry, err := p.validate()
	if err != nil {
		return domain.Game{}, err
	}

	err = e.store.Atomically(ctx, func(ctx context.Context, tx domain.GameTx) error {
		id, err := tx.NextGameID(ctx)
		if err != nil {
			return fmt.Errorf("settlement: next game id: %w", err)
		}
		now := e.now()
		game = domain.Game{
			ID:         id,
			Reference:  ref,
			Comparator: p.Comparator,
			Threshold:  p.Threshold,
			CreatedAt:  now,
			FreezeAt:   now + freeze,
			ExpiryAt:   now + expiry,
			Creator:    p.Creator,
			Vault:      p.Vault,
			Authority:  e.deriver.Address(id),
			State:      domain.GameRunning,
		}
		if err := tx.InsertGame(ctx, game); err != nil {
			return fmt.Errorf("settlement: insert game %d: %w", id, err)
		}
		if err := e.vault.SetAuthority(ctx, p.Vault, p.Creator, game.Authority); err != nil {
			return domain.TransferFailed("set_authority", err)
		}
		return nil
	})
	if err != nil {
		return domain.Game{}, err
	}

	metrics.GamesCreated.Inc()
	e.logger.InfoContext(ctx, "settlement: game created",
		slog.Uint64("game_id", game.ID),
		slog.String("reference", game.Reference.String()),
		slog.String("comparator", game.Comparator.String()),
		slog.Int64("freeze_at", game.FreezeAt),
		slog.Int64("expiry_at", game.ExpiryAt),
		slog.String("authority", game.Authority.Hex()),
	)
	creator := game.Creator
	e.emit(ctx, domain.Event{
		Type:   domain.EventGameCreated,
		GameID: game.ID,
		Owner:  &creator,
		State:  game.State.String(),
		At:     game.CreatedAt,
	})
	return game, nil
}
