package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

type txKey struct{}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// CustodyStore implements domain.CustodyStore on the custody_accounts and
// custody_vaults tables. Updates made while a GameStore transaction is open
// on ctx run inside it.
type CustodyStore struct {
	pool *pgxpool.Pool
}

// NewCustodyStore creates a CustodyStore backed by the given pool.
func NewCustodyStore(pool *pgxpool.Pool) *CustodyStore {
	return &CustodyStore{pool: pool}
}

// UpdateCustody implements domain.CustodyStore.
func (s *CustodyStore) UpdateCustody(ctx context.Context, fn func(ctx context.Context, tx domain.CustodyTx) error) error {
	if tx, ok := txFrom(ctx); ok {
		return fn(ctx, &custodyTx{q: tx})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin custody tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(withTx(ctx, tx), &custodyTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit custody: %w", err)
	}
	return nil
}

// AccountBalance implements domain.CustodyStore. Unknown accounts hold 0.
func (s *CustodyStore) AccountBalance(ctx context.Context, account common.Address) (uint64, error) {
	return accountBalance(ctx, s.pool, account, false)
}

// VaultAccount implements domain.CustodyStore.
func (s *CustodyStore) VaultAccount(ctx context.Context, vault common.Address) (domain.VaultAccount, error) {
	return vaultAccount(ctx, s.pool, vault, false)
}

func accountBalance(ctx context.Context, q querier, account common.Address, forUpdate bool) (uint64, error) {
	query := `SELECT balance::text FROM custody_accounts WHERE account = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var raw string
	err := q.QueryRow(ctx, query, account.Hex()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance of %s: %w", account.Hex(), err)
	}
	bal, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse numeric %q: %w", raw, err)
	}
	return bal, nil
}

func vaultAccount(ctx context.Context, q querier, vault common.Address, forUpdate bool) (domain.VaultAccount, error) {
	query := `SELECT authority, balance::text, closed FROM custody_vaults WHERE vault = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		v         domain.VaultAccount
		auth, raw string
	)
	err := q.QueryRow(ctx, query, vault.Hex()).Scan(&auth, &raw, &v.Closed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.VaultAccount{}, fmt.Errorf("postgres: vault %s: %w", vault.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.VaultAccount{}, fmt.Errorf("postgres: get vault %s: %w", vault.Hex(), err)
	}
	if v.Balance, err = strconv.ParseUint(raw, 10, 64); err != nil {
		return domain.VaultAccount{}, fmt.Errorf("postgres: parse numeric %q: %w", raw, err)
	}
	v.Authority = common.HexToAddress(auth)
	return v, nil
}

type custodyTx struct {
	q pgx.Tx
}

// AccountBalance creates the account row if needed so the lock covers
// first-time credits too.
func (t *custodyTx) AccountBalance(ctx context.Context, account common.Address) (uint64, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO custody_accounts (account) VALUES ($1) ON CONFLICT (account) DO NOTHING`,
		account.Hex(),
	); err != nil {
		return 0, fmt.Errorf("postgres: ensure account %s: %w", account.Hex(), err)
	}
	return accountBalance(ctx, t.q, account, true)
}

func (t *custodyTx) SetAccountBalance(ctx context.Context, account common.Address, amount uint64) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO custody_accounts (account, balance) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = EXCLUDED.balance`,
		account.Hex(), num(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: set balance of %s: %w", account.Hex(), err)
	}
	return nil
}

func (t *custodyTx) VaultAccount(ctx context.Context, vault common.Address) (domain.VaultAccount, error) {
	return vaultAccount(ctx, t.q, vault, true)
}

func (t *custodyTx) PutVaultAccount(ctx context.Context, vault common.Address, v domain.VaultAccount) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO custody_vaults (vault, authority, balance, closed) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (vault) DO UPDATE SET
			authority = EXCLUDED.authority,
			balance   = EXCLUDED.balance,
			closed    = EXCLUDED.closed`,
		vault.Hex(), v.Authority.Hex(), num(v.Balance), v.Closed,
	)
	if err != nil {
		return fmt.Errorf("postgres: put vault %s: %w", vault.Hex(), err)
	}
	return nil
}

var (
	_ domain.CustodyStore = (*CustodyStore)(nil)
	_ domain.CustodyTx    = (*custodyTx)(nil)
)
