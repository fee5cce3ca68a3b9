// Package authority derives the per-game signing capability that controls a
// game's vault. The address is a deterministic function of a fixed seed, the
// program id and the game id; possession is proven by an HMAC seal that only
// the holder of the deriver secret can produce.
package authority

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// DefaultSeed is the seed prefix mixed into every derived address.
const DefaultSeed = "BET_ON"

// minSecretLen is the shortest accepted sealing secret in bytes.
const minSecretLen = 16

// Deriver mints and verifies derived authorities.
type Deriver struct {
	seed    []byte
	program common.Address
	secret  []byte
}

// NewDeriver creates a Deriver. An empty seed falls back to DefaultSeed.
func NewDeriver(seed string, program common.Address, secret []byte) (*Deriver, error) {
	if len(secret) < minSecretLen {
		return nil, errors.New("authority: secret must be at least 16 bytes")
	}
	if seed == "" {
		seed = DefaultSeed
	}
	return &Deriver{
		seed:    []byte(seed),
		program: program,
		secret:  append([]byte(nil), secret...),
	}, nil
}

// Address returns the derived authority address for gameID:
// keccak256(seed || le64(gameID) || program)[12:].
func (d *Deriver) Address(gameID uint64) common.Address {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], gameID)
	h := ethcrypto.Keccak256(d.seed, id[:], d.program.Bytes())
	return common.BytesToAddress(h[12:])
}

// Derive returns the sealed authority for gameID.
func (d *Deriver) Derive(gameID uint64) domain.Authority {
	addr := d.Address(gameID)
	return domain.Authority{Address: addr, Seal: d.seal(addr)}
}

// Verify reports whether a was produced by this deriver.
func (d *Deriver) Verify(a domain.Authority) bool {
	want := d.seal(a.Address)
	return hmac.Equal(want[:], a.Seal[:])
}

func (d *Deriver) seal(addr common.Address) [32]byte {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(addr.Bytes())
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

var _ domain.AuthorityVerifier = (*Deriver)(nil)
