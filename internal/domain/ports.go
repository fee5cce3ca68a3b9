package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Authority is a derived signing capability for one game's vault. Seal is a
// keyed MAC over Address; vaults accept an Authority only if the seal
// verifies, so holding the address alone grants nothing.
type Authority struct {
	Address common.Address
	Seal    [32]byte
}

// AuthorityVerifier checks that an Authority was minted by the settlement
// engine's deriver.
type AuthorityVerifier interface {
	Verify(a Authority) bool
}

// Vault is the custody capability holding a game's pooled stake.
// Every call either fully succeeds or fully fails.
type Vault interface {
	// TransferIn moves amount from a participant account into vault.
	TransferIn(ctx context.Context, vault, from common.Address, amount uint64) error
	// TransferOut moves amount out of vault, authorized by signer.
	TransferOut(ctx context.Context, vault common.Address, signer Authority, to common.Address, amount uint64) error
	// SetAuthority hands vault custody from current to next.
	SetAuthority(ctx context.Context, vault, current, next common.Address) error
	// Close closes vault, sending any residual balance to destination.
	Close(ctx context.Context, vault common.Address, signer Authority, destination common.Address) error
}

// ClosingVault is implemented by vaults that can pay the last winner and
// close in a single step, so neither half stands without the other.
type ClosingVault interface {
	TransferOutAndClose(ctx context.Context, vault common.Address, signer Authority, to common.Address, amount uint64, destination common.Address) error
}

// PriceReading is one oracle observation.
type PriceReading struct {
	Price       float64   `json:"price"`
	Expo        int32     `json:"expo"`
	Confidence  float64   `json:"confidence"`
	PublishedAt time.Time `json:"published_at"`
}

// Oracle reads the current price for a reference.
type Oracle interface {
	Read(ctx context.Context, ref Reference) (PriceReading, error)
}
