// Package custody is the token ledger implementing domain.Vault. It keeps
// participant balances and vault accounts in a domain.CustodyStore,
// enforces vault authority, and verifies derived authorities before
// releasing funds.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

var (
	ErrUnknownVault      = errors.New("custody: unknown vault")
	ErrVaultExists       = errors.New("custody: vault already exists")
	ErrVaultClosed       = errors.New("custody: vault closed")
	ErrWrongAuthority    = errors.New("custody: wrong authority")
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
)

// Ledger applies custody rules on top of a CustodyStore. Every method is a
// single store update: it either lands completely or not at all.
type Ledger struct {
	verifier domain.AuthorityVerifier
	store    domain.CustodyStore
}

// NewLedger creates a Ledger over store that checks derived authorities
// with verifier.
func NewLedger(verifier domain.AuthorityVerifier, store domain.CustodyStore) *Ledger {
	return &Ledger{verifier: verifier, store: store}
}

// OpenVault creates an empty vault account whose authority is owner.
func (l *Ledger) OpenVault(ctx context.Context, vault, owner common.Address) error {
	return l.store.UpdateCustody(ctx, func(ctx context.Context, tx domain.CustodyTx) error {
		_, err := tx.VaultAccount(ctx, vault)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrVaultExists, vault.Hex())
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("custody: open vault %s: %w", vault.Hex(), err)
		}
		return tx.PutVaultAccount(ctx, vault, domain.VaultAccount{Authority: owner})
	})
}

// Credit mints amount into a participant account.
func (l *Ledger) Credit(ctx context.Context, account common.Address, amount uint64) error {
	return l.store.UpdateCustody(ctx, func(ctx context.Context, tx domain.CustodyTx) error {
		return credit(ctx, tx, account, amount)
	})
}

// Balance returns a participant balance.
func (l *Ledger) Balance(ctx context.Context, account common.Address) (uint64, error) {
	bal, err := l.store.AccountBalance(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("custody: balance of %s: %w", account.Hex(), err)
	}
	return bal, nil
}

// VaultBalance returns the balance held by vault.
func (l *Ledger) VaultBalance(ctx context.Context, vault common.Address) (uint64, error) {
	v, err := l.vault(ctx, vault)
	return v.Balance, err
}

// VaultAuthority returns the current authority of vault.
func (l *Ledger) VaultAuthority(ctx context.Context, vault common.Address) (common.Address, error) {
	v, err := l.vault(ctx, vault)
	return v.Authority, err
}

func (l *Ledger) vault(ctx context.Context, vault common.Address) (domain.VaultAccount, error) {
	v, err := l.store.VaultAccount(ctx, vault)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.VaultAccount{}, fmt.Errorf("%w: %s", ErrUnknownVault, vault.Hex())
	}
	if err != nil {
		return domain.VaultAccount{}, fmt.Errorf("custody: vault %s: %w", vault.Hex(), err)
	}
	return v, nil
}

// TransferIn implements domain.Vault.
func (l *Ledger) TransferIn(ctx context.Context, vault, from common.Address, amount uint64) error {
	return l.store.UpdateCustody(ctx, func(ctx context.Context, tx domain.CustodyTx) error {
		v, err := liveVault(ctx, tx, vault)
		if err != nil {
			return err
		}
		have, err := tx.AccountBalance(ctx, from)
		if err != nil {
			return fmt.Errorf("custody: balance of %s: %w", from.Hex(), err)
		}
		if have < amount {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from.Hex(), have, amount)
		}
		next, overflow := math.SafeAdd(v.Balance, amount)
		if overflow {
			return fmt.Errorf("custody: vault %s: %w", vault.Hex(), domain.ErrArithmeticOverflow)
		}
		if err := tx.SetAccountBalance(ctx, from, have-amount); err != nil {
			return err
		}
		v.Balance = next
		return tx.PutVaultAccount(ctx, vault, v)
	})
}

// TransferOut implements domain.Vault.
func (l *Ledger) TransferOut(ctx context.Context, vault common.Address, signer domain.Authority, to common.Address, amount uint64) error {
	return l.store.UpdateCustody(ctx, func(ctx context.Context, tx domain.CustodyTx) error {
		v, err := l.authorized(ctx, tx, vault, signer)
		if err != nil {
			return err
		}
		if err := pay(ctx, tx, vault, &v, to, amount); err != nil {
			return err
		}
		return tx.PutVaultAccount(ctx, vault, v)
	})
}

// SetAuthority implements domain.Vault.
func (l *Ledger) SetAuthority(ctx context.Context, vault, current, next common.Address) error {
	return l.store.UpdateCustody(ctx, func(ctx context.Context, tx domain.CustodyTx) error {
		v, err := liveVault(ctx, tx, vault)
		if err != nil {
			return err
		}
		if v.Authority != current {
			return fmt.Errorf("%w: vault %s is held by %s", ErrWrongAuthority, vault.Hex(), v.Authority.Hex())
		}
		v.Authority = next
		return tx.PutVaultAccount(ctx, vault, v)
	})
}

// Close implements domain.Vault. The residual balance goes to destination.
func (l *Ledger) Close(ctx context.Context, vault common.Address, signer domain.Authority, destination common.Address) error {
	return l.store.UpdateCustody(ctx, func(ctx context.Context, tx domain.CustodyTx) error {
		v, err := l.authorized(ctx, tx, vault, signer)
		if err != nil {
			return err
		}
		if err := closeVault(ctx, tx, &v, destination); err != nil {
			return err
		}
		return tx.PutVaultAccount(ctx, vault, v)
	})
}

// TransferOutAndClose implements domain.ClosingVault: it pays amount to to
// and closes vault with the residual going to destination, in one update.
func (l *Ledger) TransferOutAndClose(ctx context.Context, vault common.Address, signer domain.Authority, to common.Address, amount uint64, destination common.Address) error {
	return l.store.UpdateCustody(ctx, func(ctx context.Context, tx domain.CustodyTx) error {
		v, err := l.authorized(ctx, tx, vault, signer)
		if err != nil {
			return err
		}
		if err := pay(ctx, tx, vault, &v, to, amount); err != nil {
			return err
		}
		if err := closeVault(ctx, tx, &v, destination); err != nil {
			return err
		}
		return tx.PutVaultAccount(ctx, vault, v)
	})
}

func credit(ctx context.Context, tx domain.CustodyTx, account common.Address, amount uint64) error {
	have, err := tx.AccountBalance(ctx, account)
	if err != nil {
		return fmt.Errorf("custody: balance of %s: %w", account.Hex(), err)
	}
	next, overflow := math.SafeAdd(have, amount)
	if overflow {
		return fmt.Errorf("custody: credit %s: %w", account.Hex(), domain.ErrArithmeticOverflow)
	}
	return tx.SetAccountBalance(ctx, account, next)
}

func pay(ctx context.Context, tx domain.CustodyTx, vault common.Address, v *domain.VaultAccount, to common.Address, amount uint64) error {
	if v.Balance < amount {
		return fmt.Errorf("%w: vault %s has %d, needs %d", ErrInsufficientFunds, vault.Hex(), v.Balance, amount)
	}
	if err := credit(ctx, tx, to, amount); err != nil {
		return err
	}
	v.Balance -= amount
	return nil
}

func closeVault(ctx context.Context, tx domain.CustodyTx, v *domain.VaultAccount, destination common.Address) error {
	if err := credit(ctx, tx, destination, v.Balance); err != nil {
		return err
	}
	v.Balance = 0
	v.Closed = true
	return nil
}

func liveVault(ctx context.Context, tx domain.CustodyTx, vault common.Address) (domain.VaultAccount, error) {
	v, err := tx.VaultAccount(ctx, vault)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.VaultAccount{}, fmt.Errorf("%w: %s", ErrUnknownVault, vault.Hex())
	}
	if err != nil {
		return domain.VaultAccount{}, fmt.Errorf("custody: vault %s: %w", vault.Hex(), err)
	}
	if v.Closed {
		return domain.VaultAccount{}, fmt.Errorf("%w: %s", ErrVaultClosed, vault.Hex())
	}
	return v, nil
}

func (l *Ledger) authorized(ctx context.Context, tx domain.CustodyTx, vault common.Address, signer domain.Authority) (domain.VaultAccount, error) {
	v, err := liveVault(ctx, tx, vault)
	if err != nil {
		return domain.VaultAccount{}, err
	}
	if signer.Address != v.Authority || l.verifier == nil || !l.verifier.Verify(signer) {
		return domain.VaultAccount{}, fmt.Errorf("%w: vault %s", ErrWrongAuthority, vault.Hex())
	}
	return v, nil
}

var (
	_ domain.Vault        = (*Ledger)(nil)
	_ domain.ClosingVault = (*Ledger)(nil)
)
