package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ReferenceCapacity is the fixed capacity of a game reference in bytes.
const ReferenceCapacity = 10

// Reference identifies the observed instrument (for example "BTC/USD").
// It is bounded to ReferenceCapacity bytes and is never truncated.
type Reference string

// NewReference validates s and returns it as a Reference. Oversized or empty
// references are rejected with ErrInvalidParameters.
func NewReference(s string) (Reference, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidParameters)
	}
	if len(s) > ReferenceCapacity {
		return "", fmt.Errorf("%w: reference %q exceeds %d bytes", ErrInvalidParameters, s, ReferenceCapacity)
	}
	return Reference(s), nil
}

// String returns the reference text.
func (r Reference) String() string { return string(r) }

// Comparator selects which side wins given the observed price and threshold.
type Comparator uint8

const (
	LessThanAtExpiry    Comparator = 0
	GreaterThanAtExpiry Comparator = 1
)

// Valid reports whether c is one of the defined comparators.
func (c Comparator) Valid() bool {
	return c == LessThanAtExpiry || c == GreaterThanAtExpiry
}

func (c Comparator) String() string {
	switch c {
	case LessThanAtExpiry:
		return "less_than_at_expiry"
	case GreaterThanAtExpiry:
		return "greater_than_at_expiry"
	default:
		return fmt.Sprintf("comparator(%d)", uint8(c))
	}
}

// ParseComparator maps the wire name of a comparator back to its value.
func ParseComparator(s string) (Comparator, error) {
	switch s {
	case "less_than_at_expiry", "lt":
		return LessThanAtExpiry, nil
	case "greater_than_at_expiry", "gt":
		return GreaterThanAtExpiry, nil
	default:
		return 0, fmt.Errorf("%w: unknown comparator %q", ErrInvalidParameters, s)
	}
}

// Threshold is a base/exponent pair. It is evaluated as pow(Value, Exponent),
// not as a decimal mantissa scaled by 10^Exponent.
type Threshold struct {
	Value    int64 `json:"value"`
	Exponent int32 `json:"exponent"`
}

// GameState is the resolution state of a game.
type GameState uint8

const (
	GameRunning     GameState = 1
	GameForWins     GameState = 2
	GameAgainstWins GameState = 3
	// GameFailed is reserved. No transition produces it today.
	GameFailed GameState = 4
)

func (s GameState) String() string {
	switch s {
	case GameRunning:
		return "running"
	case GameForWins:
		return "for_wins"
	case GameAgainstWins:
		return "against_wins"
	case GameFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Resolved reports whether the game has a winning side.
func (s GameState) Resolved() bool {
	return s == GameForWins || s == GameAgainstWins
}

// WinningSide returns the side that wins in state s. ok is false while the
// game is unresolved.
func (s GameState) WinningSide() (side Side, ok bool) {
	switch s {
	case GameForWins:
		return SideFor, true
	case GameAgainstWins:
		return SideAgainst, true
	default:
		return 0, false
	}
}

// Game is one pari-mutuel market. Timestamps are Unix seconds.
//
// Invariants: CreatedAt < FreezeAt <= ExpiryAt and
// TotalPot == AmountFor + AmountAgainst.
type Game struct {
	ID         uint64         `json:"id"`
	Reference  Reference      `json:"reference"`
	Comparator Comparator     `json:"comparator"`
	Threshold  Threshold      `json:"threshold"`
	CreatedAt  int64          `json:"created_at"`
	FreezeAt   int64          `json:"freeze_at"`
	ExpiryAt   int64          `json:"expiry_at"`
	Creator    common.Address `json:"creator"`
	Vault      common.Address `json:"vault"`
	Authority  common.Address `json:"authority"`

	TotalPot      uint64 `json:"total_pot"`
	AmountFor     uint64 `json:"amount_for"`
	AmountAgainst uint64 `json:"amount_against"`

	OpenPositions uint64    `json:"open_positions"`
	State         GameState `json:"state"`

	// ClosedAt is set once the last open position settles and the vault is
	// closed. Nil while the vault is live.
	ClosedAt *int64 `json:"closed_at,omitempty"`
}

// SideTotal returns the running sum staked on side.
func (g Game) SideTotal(side Side) uint64 {
	if side == SideFor {
		return g.AmountFor
	}
	return g.AmountAgainst
}

// Closed reports whether the game's vault has been closed.
func (g Game) Closed() bool { return g.ClosedAt != nil }
