package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// GameTx is the set of reads and writes available inside one atomic
// settlement operation. Lock* methods hold the row until the transaction
// ends; callers lock the game before any of its positions.
type GameTx interface {
	// NextGameID returns the registry's next id. Ids are strictly
	// increasing from 0 and an aborted transaction does not consume one.
	NextGameID(ctx context.Context) (uint64, error)
	InsertGame(ctx context.Context, g Game) error
	LockGame(ctx context.Context, id uint64) (Game, error)
	UpdateGame(ctx context.Context, g Game) error
	InsertPosition(ctx context.Context, p Position) error
	LockPosition(ctx context.Context, id string) (Position, error)
	UpdatePosition(ctx context.Context, p Position) error
}

// GameStore persists games and positions.
type GameStore interface {
	// Atomically runs fn in a transaction. Any error returned by fn rolls
	// back every write fn made.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx GameTx) error) error

	GetGame(ctx context.Context, id uint64) (Game, error)
	GetPosition(ctx context.Context, id string) (Position, error)
	ListPositions(ctx context.Context, gameID uint64) ([]Position, error)
	// ListDue returns running games whose expiry is at or before now.
	ListDue(ctx context.Context, now int64, limit int) ([]Game, error)
	// ListClosed returns games whose vault has been closed.
	ListClosed(ctx context.Context, limit int) ([]Game, error)
	// Purge deletes a closed game and its positions.
	Purge(ctx context.Context, gameID uint64) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// VaultAccount is the persisted state of one custody vault.
type VaultAccount struct {
	Authority common.Address
	Balance   uint64
	Closed    bool
}

// CustodyTx is the set of reads and writes available inside one custody
// update. Reads lock the row until the update ends.
type CustodyTx interface {
	AccountBalance(ctx context.Context, account common.Address) (uint64, error)
	SetAccountBalance(ctx context.Context, account common.Address, amount uint64) error
	// VaultAccount returns ErrNotFound for an unknown vault.
	VaultAccount(ctx context.Context, vault common.Address) (VaultAccount, error)
	PutVaultAccount(ctx context.Context, vault common.Address, v VaultAccount) error
}

// CustodyStore persists participant balances and vault accounts.
type CustodyStore interface {
	// UpdateCustody runs fn as one unit. When ctx carries a transaction
	// opened by the same backend's GameStore.Atomically, fn joins it, so
	// custody writes commit or roll back with the game writes.
	UpdateCustody(ctx context.Context, fn func(ctx context.Context, tx CustodyTx) error) error

	AccountBalance(ctx context.Context, account common.Address) (uint64, error)
	VaultAccount(ctx context.Context, vault common.Address) (VaultAccount, error)
}
