package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

type txKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// reader returns the open transaction on ctx, or the database.
func (s *Store) reader(ctx context.Context) queryer {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

// UpdateCustody implements domain.CustodyStore.
func (s *Store) UpdateCustody(ctx context.Context, fn func(ctx context.Context, tx domain.CustodyTx) error) error {
	if tx, ok := txFrom(ctx); ok {
		return fn(ctx, &custodyTx{tx: tx})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin custody tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(withTx(ctx, tx), &custodyTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit custody: %w", err)
	}
	return nil
}

// AccountBalance implements domain.CustodyStore. Unknown accounts hold 0.
func (s *Store) AccountBalance(ctx context.Context, account common.Address) (uint64, error) {
	return accountBalance(ctx, s.reader(ctx), account)
}

// VaultAccount implements domain.CustodyStore.
func (s *Store) VaultAccount(ctx context.Context, vault common.Address) (domain.VaultAccount, error) {
	return vaultAccount(ctx, s.reader(ctx), vault)
}

func accountBalance(ctx context.Context, q queryer, account common.Address) (uint64, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance FROM custody_accounts WHERE account = ?`, account.Hex()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: balance of %s: %w", account.Hex(), err)
	}
	var bal uint64
	if err := parseNums(&bal, raw); err != nil {
		return 0, err
	}
	return bal, nil
}

func vaultAccount(ctx context.Context, q queryer, vault common.Address) (domain.VaultAccount, error) {
	var (
		v         domain.VaultAccount
		auth, raw string
	)
	err := q.QueryRowContext(ctx,
		`SELECT authority, balance, closed FROM custody_vaults WHERE vault = ?`, vault.Hex(),
	).Scan(&auth, &raw, &v.Closed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VaultAccount{}, fmt.Errorf("sqlite: vault %s: %w", vault.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.VaultAccount{}, fmt.Errorf("sqlite: get vault %s: %w", vault.Hex(), err)
	}
	if err := parseNums(&v.Balance, raw); err != nil {
		return domain.VaultAccount{}, err
	}
	v.Authority = common.HexToAddress(auth)
	return v, nil
}

// custodyTx needs no row locks: the single connection already makes the
// transaction exclusive.
type custodyTx struct {
	tx *sql.Tx
}

func (t *custodyTx) AccountBalance(ctx context.Context, account common.Address) (uint64, error) {
	return accountBalance(ctx, t.tx, account)
}

func (t *custodyTx) SetAccountBalance(ctx context.Context, account common.Address, amount uint64) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO custody_accounts (account, balance) VALUES (?, ?)
		 ON CONFLICT (account) DO UPDATE SET balance = excluded.balance`,
		account.Hex(), num(amount),
	)
	if err != nil {
		return fmt.Errorf("sqlite: set balance of %s: %w", account.Hex(), err)
	}
	return nil
}

func (t *custodyTx) VaultAccount(ctx context.Context, vault common.Address) (domain.VaultAccount, error) {
	return vaultAccount(ctx, t.tx, vault)
}

func (t *custodyTx) PutVaultAccount(ctx context.Context, vault common.Address, v domain.VaultAccount) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO custody_vaults (vault, authority, balance, closed) VALUES (?, ?, ?, ?)
		 ON CONFLICT (vault) DO UPDATE SET
			authority = excluded.authority,
			balance   = excluded.balance,
			closed    = excluded.closed`,
		vault.Hex(), v.Authority.Hex(), num(v.Balance), v.Closed,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put vault %s: %w", vault.Hex(), err)
	}
	return nil
}

var _ domain.CustodyTx = (*custodyTx)(nil)
