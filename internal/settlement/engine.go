// Package settlement implements the pari-mutuel escrow state machine:
// game creation, bet placement, oracle resolution and pro-rata withdrawal.
// Every operation runs inside one GameStore transaction; a failed
// precondition or collaborator call rolls back all of its writes.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/authority"
	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/metrics"
)

// Deps bundles the collaborators an Engine needs. Bus and Audit are
// optional.
type Deps struct {
	Store   domain.GameStore
	Vault   domain.Vault
	Oracle  domain.Oracle
	Clock   domain.Clock
	Deriver *authority.Deriver
	Bus     domain.SignalBus
	Audit   domain.AuditStore
}

// Engine runs settlement operations.
type Engine struct {
	store   domain.GameStore
	vault   domain.Vault
	oracle  domain.Oracle
	clock   domain.Clock
	deriver *authority.Deriver
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger
}

// New creates an Engine. A nil Clock falls back to the system clock.
func New(deps Deps, logger *slog.Logger) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Engine{
		store:   deps.Store,
		vault:   deps.Vault,
		oracle:  deps.Oracle,
		clock:   clock,
		deriver: deps.Deriver,
		bus:     deps.Bus,
		audit:   deps.Audit,
		logger:  logger.With(slog.String("component", "settlement")),
	}
}

// Game returns a game by id.
func (e *Engine) Game(ctx context.Context, id uint64) (domain.Game, error) {
	return e.store.GetGame(ctx, id)
}

// Position returns a position by id.
func (e *Engine) Position(ctx context.Context, id string) (domain.Position, error) {
	return e.store.GetPosition(ctx, id)
}

// Positions lists the positions of a game.
func (e *Engine) Positions(ctx context.Context, gameID uint64) ([]domain.Position, error) {
	return e.store.ListPositions(ctx, gameID)
}

func (e *Engine) now() int64 {
	return e.clock.Now().Unix()
}

// observe records duration and, on failure, the error kind for op.
func (e *Engine) observe(op string, start time.Time, err error) {
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OperationErrors.WithLabelValues(op, ErrorKind(err)).Inc()
	}
}

// emit publishes evt on the bus and appends it to the audit log. Failures
// are logged; the operation has already committed.
func (e *Engine) emit(ctx context.Context, evt domain.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if e.bus != nil {
		if err := e.bus.Publish(ctx, domain.EventsChannel, payload); err != nil {
			e.logger.WarnContext(ctx, "settlement: publish event failed",
				slog.String("event", string(evt.Type)),
				slog.Uint64("game_id", evt.GameID),
				slog.String("error", err.Error()),
			)
		}
		if err := e.bus.StreamAppend(ctx, domain.EventsChannel, payload); err != nil {
			e.logger.WarnContext(ctx, "settlement: stream append failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.audit != nil {
		var detail map[string]any
		_ = json.Unmarshal(payload, &detail)
		if err := e.audit.Log(ctx, string(evt.Type), detail); err != nil {
			e.logger.WarnContext(ctx, "settlement: audit log failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ErrorKind returns a short label for the error kinds surfaced by the
// engine, for metrics and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, domain.ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, domain.ErrBettingClosed):
		return "betting_closed"
	case errors.Is(err, domain.ErrNotYetExpired):
		return "not_yet_expired"
	case errors.Is(err, domain.ErrNotRunning):
		return "not_running"
	case errors.Is(err, domain.ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, domain.ErrNoWinningStake):
		return "no_winning_stake"
	case errors.Is(err, domain.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, domain.ErrWrongSide):
		return "wrong_side"
	case errors.Is(err, domain.ErrNotWithdrawable):
		return "not_withdrawable"
	case errors.Is(err, domain.ErrTransferFailure):
		return "transfer_failure"
	case errors.Is(err, domain.ErrOracleFailure):
		return "oracle_failure"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
