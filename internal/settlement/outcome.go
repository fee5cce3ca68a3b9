package settlement

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Power computes base^exponent. Both oracle prices and thresholds are
// compared in this literal form rather than as base*10^exponent.
// NOTE: this looks like a conflation of a decimal exponent with
// exponentiation, but it is kept as is so existing games resolve the same way.
func Power(base float64, exponent int32) float64 {
	return math.Pow(base, float64(exponent))
}

// Decide maps the comparison of observed against bound to a final state.
//
//	comparator           observed > bound   state
//	LessThanAtExpiry     true               AgainstWins
//	LessThanAtExpiry     false              ForWins
//	GreaterThanAtExpiry  true               ForWins
//	GreaterThanAtExpiry  false              AgainstWins
func Decide(c domain.Comparator, observed, bound float64) (domain.GameState, error) {
	above := observed > bound
	switch c {
	case domain.LessThanAtExpiry:
		if above {
			return domain.GameAgainstWins, nil
		}
		return domain.GameForWins, nil
	case domain.GreaterThanAtExpiry:
		if above {
			return domain.GameForWins, nil
		}
		return domain.GameAgainstWins, nil
	default:
		return 0, fmt.Errorf("%w: unknown comparator %d", domain.ErrInvalidParameters, uint8(c))
	}
}
