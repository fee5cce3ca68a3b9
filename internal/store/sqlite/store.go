// Package sqlite implements the game, position, custody and audit stores on an
// embedded SQLite database for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Store wraps a single SQLite connection. Holding one connection makes every
// transaction exclusive, which is the locking GameTx requires.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS game_registry (
			singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
			next_id   INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO game_registry (singleton, next_id) VALUES (1, 0)`,
		`CREATE TABLE IF NOT EXISTS games (
			id              INTEGER PRIMARY KEY,
			reference       TEXT    NOT NULL,
			comparator      INTEGER NOT NULL,
			threshold_value INTEGER NOT NULL,
			threshold_expo  INTEGER NOT NULL,
			created_at      INTEGER NOT NULL,
			freeze_at       INTEGER NOT NULL,
			expiry_at       INTEGER NOT NULL,
			creator         TEXT    NOT NULL,
			vault           TEXT    NOT NULL UNIQUE,
			authority       TEXT    NOT NULL,
			total_pot       TEXT    NOT NULL DEFAULT '0',
			amount_for      TEXT    NOT NULL DEFAULT '0',
			amount_against  TEXT    NOT NULL DEFAULT '0',
			open_positions  TEXT    NOT NULL DEFAULT '0',
			state           INTEGER NOT NULL,
			closed_at       INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_games_due ON games (state, expiry_at)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id         TEXT    PRIMARY KEY,
			game_id    INTEGER NOT NULL REFERENCES games (id) ON DELETE CASCADE,
			owner      TEXT    NOT NULL,
			side       INTEGER NOT NULL,
			amount     TEXT    NOT NULL,
			settled    INTEGER NOT NULL DEFAULT 0,
			payout     TEXT    NOT NULL DEFAULT '0',
			created_at INTEGER NOT NULL,
			settled_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_game ON positions (game_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS custody_accounts (
			account TEXT PRIMARY KEY,
			balance TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE TABLE IF NOT EXISTS custody_vaults (
			vault     TEXT    PRIMARY KEY,
			authority TEXT    NOT NULL,
			balance   TEXT    NOT NULL DEFAULT '0',
			closed    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event      TEXT    NOT NULL,
			detail     TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

// Amounts are stored as decimal text; SQLite integers are signed 64-bit.
func num(v uint64) string { return strconv.FormatUint(v, 10) }

func parseNums(pairs ...any) error {
	for i := 0; i < len(pairs); i += 2 {
		dst := pairs[i].(*uint64)
		src := pairs[i+1].(string)
		v, err := strconv.ParseUint(src, 10, 64)
		if err != nil {
			return fmt.Errorf("sqlite: parse amount %q: %w", src, err)
		}
		*dst = v
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const gameCols = `id, reference, comparator, threshold_value, threshold_expo,
	created_at, freeze_at, expiry_at, creator, vault, authority,
	total_pot, amount_for, amount_against, open_positions, state, closed_at`

const positionCols = `id, game_id, owner, side, amount, settled, payout, created_at, settled_at`

func scanGame(row scanner) (domain.Game, error) {
	var (
		g                             domain.Game
		id                            int64
		ref, creator, vault, auth     string
		pot, amtFor, amtAgainst, open string
		cmp, state                    int64
		closedAt                      sql.NullInt64
	)
	if err := row.Scan(
		&id, &ref, &cmp, &g.Threshold.Value, &g.Threshold.Exponent,
		&g.CreatedAt, &g.FreezeAt, &g.ExpiryAt, &creator, &vault, &auth,
		&pot, &amtFor, &amtAgainst, &open, &state, &closedAt,
	); err != nil {
		return domain.Game{}, err
	}
	if err := parseNums(&g.TotalPot, pot, &g.AmountFor, amtFor, &g.AmountAgainst, amtAgainst, &g.OpenPositions, open); err != nil {
		return domain.Game{}, err
	}
	g.ID = uint64(id)
	g.Reference = domain.Reference(ref)
	g.Comparator = domain.Comparator(cmp)
	g.State = domain.GameState(state)
	g.Creator = common.HexToAddress(creator)
	g.Vault = common.HexToAddress(vault)
	g.Authority = common.HexToAddress(auth)
	if closedAt.Valid {
		g.ClosedAt = &closedAt.Int64
	}
	return g, nil
}

func scanPosition(row scanner) (domain.Position, error) {
	var (
		p              domain.Position
		gameID, side   int64
		owner          string
		amount, payout string
		settledAt      sql.NullInt64
	)
	if err := row.Scan(&p.ID, &gameID, &owner, &side, &amount, &p.Settled, &payout, &p.CreatedAt, &settledAt); err != nil {
		return domain.Position{}, err
	}
	if err := parseNums(&p.Amount, amount, &p.Payout, payout); err != nil {
		return domain.Position{}, err
	}
	p.GameID = uint64(gameID)
	p.Owner = common.HexToAddress(owner)
	p.Side = domain.Side(side)
	if settledAt.Valid {
		p.SettledAt = &settledAt.Int64
	}
	return p, nil
}

func getGame(ctx context.Context, q queryer, id uint64) (domain.Game, error) {
	g, err := scanGame(q.QueryRowContext(ctx, `SELECT `+gameCols+` FROM games WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Game{}, fmt.Errorf("sqlite: game %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Game{}, fmt.Errorf("sqlite: get game %d: %w", id, err)
	}
	return g, nil
}

func getPosition(ctx context.Context, q queryer, id string) (domain.Position, error) {
	p, err := scanPosition(q.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("sqlite: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

func nullable(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Atomically implements domain.GameStore. The ctx handed to fn carries the
// transaction so custody updates join it instead of waiting for the one
// connection.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx domain.GameTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(withTx(ctx, tx), &gameTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// GetGame implements domain.GameStore.
func (s *Store) GetGame(ctx context.Context, id uint64) (domain.Game, error) {
	return getGame(ctx, s.db, id)
}

// GetPosition implements domain.GameStore.
func (s *Store) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	return getPosition(ctx, s.db, id)
}

// ListPositions implements domain.GameStore.
func (s *Store) ListPositions(ctx context.Context, gameID uint64) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE game_id = ? ORDER BY created_at, id`, int64(gameID))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions of game %d: %w", gameID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *Store) listGames(ctx context.Context, where string, args ...any) ([]domain.Game, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+gameCols+` FROM games WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list games: %w", err)
	}
	defer rows.Close()

	var games []domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan game: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// limitArg maps a non-positive limit to SQLite's "no limit".
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// ListDue implements domain.GameStore.
func (s *Store) ListDue(ctx context.Context, now int64, limit int) ([]domain.Game, error) {
	return s.listGames(ctx, `state = ? AND expiry_at <= ? ORDER BY expiry_at, id LIMIT ?`,
		int64(domain.GameRunning), now, limitArg(limit))
}

// ListClosed implements domain.GameStore.
func (s *Store) ListClosed(ctx context.Context, limit int) ([]domain.Game, error) {
	return s.listGames(ctx, `closed_at IS NOT NULL ORDER BY id LIMIT ?`, limitArg(limit))
}

// Purge implements domain.GameStore.
func (s *Store) Purge(ctx context.Context, gameID uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE id = ? AND closed_at IS NOT NULL`, int64(gameID))
	if err != nil {
		return fmt.Errorf("sqlite: purge game %d: %w", gameID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: closed game %d: %w", gameID, domain.ErrNotFound)
	}
	return nil
}

// Log implements domain.AuditStore.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List implements domain.AuditStore.
func (s *Store) List(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, detail, created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail sql.NullString
			millis int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &millis); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = time.UnixMilli(millis).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type gameTx struct {
	tx *sql.Tx
}

func (t *gameTx) NextGameID(ctx context.Context) (uint64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`UPDATE game_registry SET next_id = next_id + 1 WHERE singleton = 1 RETURNING next_id - 1`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite: advance registry: %w", err)
	}
	return uint64(id), nil
}

func (t *gameTx) InsertGame(ctx context.Context, g domain.Game) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO games (`+gameCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(g.ID), g.Reference.String(), int64(g.Comparator), g.Threshold.Value, g.Threshold.Exponent,
		g.CreatedAt, g.FreezeAt, g.ExpiryAt, g.Creator.Hex(), g.Vault.Hex(), g.Authority.Hex(),
		num(g.TotalPot), num(g.AmountFor), num(g.AmountAgainst), num(g.OpenPositions),
		int64(g.State), nullable(g.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert game %d: %w", g.ID, err)
	}
	return nil
}

func (t *gameTx) LockGame(ctx context.Context, id uint64) (domain.Game, error) {
	return getGame(ctx, t.tx, id)
}

func (t *gameTx) UpdateGame(ctx context.Context, g domain.Game) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE games SET total_pot = ?, amount_for = ?, amount_against = ?,
			open_positions = ?, state = ?, closed_at = ?
		 WHERE id = ?`,
		num(g.TotalPot), num(g.AmountFor), num(g.AmountAgainst),
		num(g.OpenPositions), int64(g.State), nullable(g.ClosedAt), int64(g.ID),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update game %d: %w", g.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: game %d: %w", g.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *gameTx) InsertPosition(ctx context.Context, p domain.Position) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (`+positionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, int64(p.GameID), p.Owner.Hex(), int64(p.Side), num(p.Amount),
		p.Settled, num(p.Payout), p.CreatedAt, nullable(p.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *gameTx) LockPosition(ctx context.Context, id string) (domain.Position, error) {
	return getPosition(ctx, t.tx, id)
}

func (t *gameTx) UpdatePosition(ctx context.Context, p domain.Position) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE positions SET settled = ?, payout = ?, settled_at = ? WHERE id = ?`,
		p.Settled, num(p.Payout), nullable(p.SettledAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

var (
	_ domain.GameStore    = (*Store)(nil)
	_ domain.AuditStore   = (*Store)(nil)
	_ domain.CustodyStore = (*Store)(nil)
	_ domain.GameTx       = (*gameTx)(nil)
)
