package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the outcome a position is staked on.
type Side uint8

const (
	SideFor     Side = 1
	SideAgainst Side = 2
)

// Valid reports whether s is For or Against.
func (s Side) Valid() bool {
	return s == SideFor || s == SideAgainst
}

func (s Side) String() string {
	switch s {
	case SideFor:
		return "for"
	case SideAgainst:
		return "against"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide maps "for"/"against" to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "for":
		return SideFor, nil
	case "against":
		return SideAgainst, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Position is one participant's stake in a game. Amount is immutable once
// created; Settled flips false->true exactly once.
type Position struct {
	ID        string         `json:"id"`
	GameID    uint64         `json:"game_id"`
	Owner     common.Address `json:"owner"`
	Side      Side           `json:"side"`
	Amount    uint64         `json:"amount"`
	Settled   bool           `json:"settled"`
	Payout    uint64         `json:"payout"`
	CreatedAt int64          `json:"created_at"`
	SettledAt *int64         `json:"settled_at,omitempty"`
}
