package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/settlement"
)

// GameEngine is the slice of *settlement.Engine the game handler uses.
type GameEngine interface {
	Create(ctx context.Context, p settlement.CreateParams) (domain.Game, error)
	PlaceBet(ctx context.Context, p settlement.BetParams) (domain.Position, error)
	Resolve(ctx context.Context, gameID uint64) (domain.Game, error)
	Withdraw(ctx context.Context, p settlement.WithdrawParams) (settlement.Receipt, error)
	Game(ctx context.Context, id uint64) (domain.Game, error)
	Positions(ctx context.Context, gameID uint64) ([]domain.Position, error)
}

// GameHandler serves the settlement endpoints.
type GameHandler struct {
	engine GameEngine
	logger *slog.Logger
}

// NewGameHandler creates a GameHandler.
func NewGameHandler(engine GameEngine, logger *slog.Logger) *GameHandler {
	return &GameHandler{engine: engine, logger: logger.With(slog.String("handler", "games"))}
}

// gameView is the API rendering of a game with enums as names.
type gameView struct {
	ID            uint64           `json:"id"`
	Reference     string           `json:"reference"`
	Comparator    string           `json:"comparator"`
	Threshold     domain.Threshold `json:"threshold"`
	CreatedAt     int64            `json:"created_at"`
	FreezeAt      int64            `json:"freeze_at"`
	ExpiryAt      int64            `json:"expiry_at"`
	Creator       common.Address   `json:"creator"`
	Vault         common.Address   `json:"vault"`
	Authority     common.Address   `json:"authority"`
	TotalPot      uint64           `json:"total_pot"`
	AmountFor     uint64           `json:"amount_for"`
	AmountAgainst uint64           `json:"amount_against"`
	OpenPositions uint64           `json:"open_positions"`
	State         string           `json:"state"`
	ClosedAt      *int64           `json:"closed_at,omitempty"`
}

func newGameView(g domain.Game) gameView {
	return gameView{
		ID:            g.ID,
		Reference:     g.Reference.String(),
		Comparator:    g.Comparator.String(),
		Threshold:     g.Threshold,
		CreatedAt:     g.CreatedAt,
		FreezeAt:      g.FreezeAt,
		ExpiryAt:      g.ExpiryAt,
		Creator:       g.Creator,
		Vault:         g.Vault,
		Authority:     g.Authority,
		TotalPot:      g.TotalPot,
		AmountFor:     g.AmountFor,
		AmountAgainst: g.AmountAgainst,
		OpenPositions: g.OpenPositions,
		State:         g.State.String(),
		ClosedAt:      g.ClosedAt,
	}
}

type positionView struct {
	ID        string         `json:"id"`
	GameID    uint64         `json:"game_id"`
	Owner     common.Address `json:"owner"`
	Side      string         `json:"side"`
	Amount    uint64         `json:"amount"`
	Settled   bool           `json:"settled"`
	Payout    uint64         `json:"payout"`
	CreatedAt int64          `json:"created_at"`
	SettledAt *int64         `json:"settled_at,omitempty"`
}

func newPositionView(p domain.Position) positionView {
	return positionView{
		ID:        p.ID,
		GameID:    p.GameID,
		Owner:     p.Owner,
		Side:      p.Side.String(),
		Amount:    p.Amount,
		Settled:   p.Settled,
		Payout:    p.Payout,
		CreatedAt: p.CreatedAt,
		SettledAt: p.SettledAt,
	}
}

// createGameRequest is the body of POST /api/games. The signer is the
// creator and must currently hold the vault.
type createGameRequest struct {
	Reference          string           `json:"reference"`
	Comparator         string           `json:"comparator"`
	Threshold          domain.Threshold `json:"threshold"`
	FreezeAfterSeconds int64            `json:"freeze_after_seconds"`
	ExpireAfterSeconds int64            `json:"expire_after_seconds"`
	Vault              string           `json:"vault"`
}

// CreateGame opens a new game.
// POST /api/games
func (h *GameHandler) CreateGame(w http.ResponseWriter, r *http.Request) {
	creator, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req createGameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cmp, err := domain.ParseComparator(req.Comparator)
	if err != nil {
		writeEngineError(w, r, h.logger, "create game", err)
		return
	}
	vault, err := parseAddress(req.Vault)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "invalid_parameters"})
		return
	}
	freeze, err := offset("freeze_after_seconds", req.FreezeAfterSeconds)
	if err != nil {
		writeEngineError(w, r, h.logger, "create game", err)
		return
	}
	expire, err := offset("expire_after_seconds", req.ExpireAfterSeconds)
	if err != nil {
		writeEngineError(w, r, h.logger, "create game", err)
		return
	}

	game, err := h.engine.Create(r.Context(), settlement.CreateParams{
		Reference:   req.Reference,
		Comparator:  cmp,
		Threshold:   req.Threshold,
		FreezeAfter: freeze,
		ExpireAfter: expire,
		Creator:     creator,
		Vault:       vault,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, "create game", err)
		return
	}
	writeJSON(w, http.StatusCreated, newGameView(game))
}

// maxOffsetSeconds is the largest offset a time.Duration can carry.
const maxOffsetSeconds = math.MaxInt64 / int64(time.Second)

// offset converts a positive second count to a Duration, refusing values
// the conversion would wrap.
func offset(field string, seconds int64) (time.Duration, error) {
	if seconds <= 0 || seconds > maxOffsetSeconds {
		return 0, fmt.Errorf("%w: %s must be in [1, %d]", domain.ErrInvalidParameters, field, maxOffsetSeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// GetGame returns one game.
// GET /api/games/{id}
func (h *GameHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	id, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	game, err := h.engine.Game(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "get game", err)
		return
	}
	writeJSON(w, http.StatusOK, newGameView(game))
}

type placeBetRequest struct {
	Side   string `json:"side"`
	Amount uint64 `json:"amount"`
}

// PlaceBet stakes the signer's tokens on one side.
// POST /api/games/{id}/bets
func (h *GameHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	id, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	owner, ok := requireSigner(w, r)
	if !ok {
		return
	}
	var req placeBetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeEngineError(w, r, h.logger, "place bet", err)
		return
	}

	pos, err := h.engine.PlaceBet(r.Context(), settlement.BetParams{
		GameID: id,
		Owner:  owner,
		Side:   side,
		Amount: req.Amount,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, newPositionView(pos))
}

// ResolveGame settles a game from the oracle. Anyone may trigger it once the
// game has expired.
// POST /api/games/{id}/resolve
func (h *GameHandler) ResolveGame(w http.ResponseWriter, r *http.Request) {
	id, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	game, err := h.engine.Resolve(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "resolve game", err)
		return
	}
	writeJSON(w, http.StatusOK, newGameView(game))
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns every position of a game, settled ones included.
// GET /api/games/{id}/positions
func (h *GameHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.engine.Game(r.Context(), id); err != nil {
		writeEngineError(w, r, h.logger, "list positions", err)
		return
	}
	positions, err := h.engine.Positions(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "list positions", err)
		return
	}
	out := listPositionsResponse{Positions: make([]positionView, 0, len(positions))}
	for _, p := range positions {
		out.Positions = append(out.Positions, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type withdrawResponse struct {
	Position    positionView `json:"position"`
	Payout      uint64       `json:"payout"`
	VaultClosed bool         `json:"vault_closed"`
}

// Withdraw pays out a winning position to its owner, who must sign.
// POST /api/games/{id}/positions/{pid}/withdraw
func (h *GameHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := gameIDParam(w, r)
	if !ok {
		return
	}
	owner, ok := requireSigner(w, r)
	if !ok {
		return
	}
	rcpt, err := h.engine.Withdraw(r.Context(), settlement.WithdrawParams{
		GameID:     id,
		PositionID: r.PathValue("pid"),
		Owner:      owner,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{
		Position:    newPositionView(rcpt.Position),
		Payout:      rcpt.Payout,
		VaultClosed: rcpt.VaultClosed,
	})
}
