package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GameStore implements domain.GameStore using PostgreSQL. Unsigned 64-bit
// columns are NUMERIC(20,0) and travel as decimal text.
type GameStore struct {
	pool *pgxpool.Pool
}

// NewGameStore creates a new GameStore backed by the given connection pool.
func NewGameStore(pool *pgxpool.Pool) *GameStore {
	return &GameStore{pool: pool}
}

const gameSelectCols = `id::text, reference, comparator, threshold_value, threshold_expo,
	created_at, freeze_at, expiry_at, creator, vault, authority,
	total_pot::text, amount_for::text, amount_against::text, open_positions::text,
	state, closed_at`

const positionSelectCols = `id, game_id::text, owner, side, amount::text,
	settled, payout::text, created_at, settled_at`

func num(v uint64) string { return strconv.FormatUint(v, 10) }

func scanGame(row pgx.Row) (domain.Game, error) {
	var (
		g                                 domain.Game
		id, pot, amtFor, amtAgainst, open string
		ref, creator, vault, auth         string
		cmp, state                        int16
	)
	err := row.Scan(
		&id, &ref, &cmp, &g.Threshold.Value, &g.Threshold.Exponent,
		&g.CreatedAt, &g.FreezeAt, &g.ExpiryAt, &creator, &vault, &auth,
		&pot, &amtFor, &amtAgainst, &open,
		&state, &g.ClosedAt,
	)
	if err != nil {
		return domain.Game{}, err
	}
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&g.ID, id}, {&g.TotalPot, pot}, {&g.AmountFor, amtFor}, {&g.AmountAgainst, amtAgainst}, {&g.OpenPositions, open}} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return domain.Game{}, fmt.Errorf("postgres: parse numeric %q: %w", f.src, err)
		}
	}
	g.Reference = domain.Reference(ref)
	g.Comparator = domain.Comparator(cmp)
	g.State = domain.GameState(state)
	g.Creator = common.HexToAddress(creator)
	g.Vault = common.HexToAddress(vault)
	g.Authority = common.HexToAddress(auth)
	return g, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                      domain.Position
		gameID, amount, payout string
		owner                  string
		side                   int16
	)
	err := row.Scan(&p.ID, &gameID, &owner, &side, &amount, &p.Settled, &payout, &p.CreatedAt, &p.SettledAt)
	if err != nil {
		return domain.Position{}, err
	}
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&p.GameID, gameID}, {&p.Amount, amount}, {&p.Payout, payout}} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return domain.Position{}, fmt.Errorf("postgres: parse numeric %q: %w", f.src, err)
		}
	}
	p.Owner = common.HexToAddress(owner)
	p.Side = domain.Side(side)
	return p, nil
}

func collectGames(rows pgx.Rows) ([]domain.Game, error) {
	defer rows.Close()
	var games []domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan game: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

func getGame(ctx context.Context, q querier, id uint64, forUpdate bool) (domain.Game, error) {
	query := `SELECT ` + gameSelectCols + ` FROM games WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	g, err := scanGame(q.QueryRow(ctx, query, num(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Game{}, fmt.Errorf("postgres: game %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Game{}, fmt.Errorf("postgres: get game %d: %w", id, err)
	}
	return g, nil
}

func getPosition(ctx context.Context, q querier, id string, forUpdate bool) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Atomically runs fn inside a single database transaction. The ctx handed
// to fn carries the transaction, so a CustodyStore on the same pool joins it.
func (s *GameStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx domain.GameTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(withTx(ctx, tx), &gameTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// GetGame returns a committed game.
func (s *GameStore) GetGame(ctx context.Context, id uint64) (domain.Game, error) {
	return getGame(ctx, s.pool, id, false)
}

// GetPosition returns a committed position.
func (s *GameStore) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	return getPosition(ctx, s.pool, id, false)
}

// ListPositions returns every position of a game, oldest first.
func (s *GameStore) ListPositions(ctx context.Context, gameID uint64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE game_id = $1 ORDER BY created_at, id`,
		num(gameID),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions of game %d: %w", gameID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListDue returns running games whose expiry has passed.
func (s *GameStore) ListDue(ctx context.Context, now int64, limit int) ([]domain.Game, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+gameSelectCols+` FROM games
		 WHERE state = $1 AND expiry_at <= $2
		 ORDER BY expiry_at, id
		 LIMIT NULLIF($3::int, 0)`,
		int16(domain.GameRunning), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due games: %w", err)
	}
	return collectGames(rows)
}

// ListClosed returns games whose vault has been closed.
func (s *GameStore) ListClosed(ctx context.Context, limit int) ([]domain.Game, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+gameSelectCols+` FROM games
		 WHERE closed_at IS NOT NULL
		 ORDER BY id
		 LIMIT NULLIF($1::int, 0)`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed games: %w", err)
	}
	return collectGames(rows)
}

// Purge deletes a closed game; positions cascade.
func (s *GameStore) Purge(ctx context.Context, gameID uint64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM games WHERE id = $1 AND closed_at IS NOT NULL`, num(gameID))
	if err != nil {
		return fmt.Errorf("postgres: purge game %d: %w", gameID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: closed game %d: %w", gameID, domain.ErrNotFound)
	}
	return nil
}

type gameTx struct {
	tx pgx.Tx
}

// NextGameID advances the registry row. The row stays locked until the
// transaction ends, so concurrent creators serialize on it.
func (t *gameTx) NextGameID(ctx context.Context) (uint64, error) {
	var next string
	err := t.tx.QueryRow(ctx,
		`UPDATE game_registry SET next_id = next_id + 1 WHERE singleton RETURNING (next_id - 1)::text`,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("postgres: advance registry: %w", err)
	}
	id, err := strconv.ParseUint(next, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse registry id %q: %w", next, err)
	}
	return id, nil
}

func (t *gameTx) InsertGame(ctx context.Context, g domain.Game) error {
	const query = `
		INSERT INTO games (
			id, reference, comparator, threshold_value, threshold_expo,
			created_at, freeze_at, expiry_at, creator, vault, authority,
			total_pot, amount_for, amount_against, open_positions, state, closed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17
		)`
	_, err := t.tx.Exec(ctx, query,
		num(g.ID), g.Reference.String(), int16(g.Comparator), g.Threshold.Value, g.Threshold.Exponent,
		g.CreatedAt, g.FreezeAt, g.ExpiryAt, g.Creator.Hex(), g.Vault.Hex(), g.Authority.Hex(),
		num(g.TotalPot), num(g.AmountFor), num(g.AmountAgainst), num(g.OpenPositions), int16(g.State), g.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert game %d: %w", g.ID, err)
	}
	return nil
}

func (t *gameTx) LockGame(ctx context.Context, id uint64) (domain.Game, error) {
	return getGame(ctx, t.tx, id, true)
}

func (t *gameTx) UpdateGame(ctx context.Context, g domain.Game) error {
	const query = `
		UPDATE games SET
			total_pot      = $2,
			amount_for     = $3,
			amount_against = $4,
			open_positions = $5,
			state          = $6,
			closed_at      = $7
		WHERE id = $1`
	tag, err := t.tx.Exec(ctx, query,
		num(g.ID), num(g.TotalPot), num(g.AmountFor), num(g.AmountAgainst),
		num(g.OpenPositions), int16(g.State), g.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update game %d: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: game %d: %w", g.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *gameTx) InsertPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (id, game_id, owner, side, amount, settled, payout, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := t.tx.Exec(ctx, query,
		p.ID, num(p.GameID), p.Owner.Hex(), int16(p.Side), num(p.Amount),
		p.Settled, num(p.Payout), p.CreatedAt, p.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *gameTx) LockPosition(ctx context.Context, id string) (domain.Position, error) {
	return getPosition(ctx, t.tx, id, true)
}

func (t *gameTx) UpdatePosition(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			settled    = $2,
			payout     = $3,
			settled_at = $4
		WHERE id = $1`
	tag, err := t.tx.Exec(ctx, query, p.ID, p.Settled, num(p.Payout), p.SettledAt)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

var (
	_ domain.GameStore = (*GameStore)(nil)
	_ domain.GameTx    = (*gameTx)(nil)
)
