package settlement

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Payout returns floor(amount * totalPot / winningTotal). The product is
// formed in 256 bits before dividing, so it cannot overflow; a result that
// does not fit in 64 bits is reported as ErrArithmeticOverflow.
func Payout(amount, totalPot, winningTotal uint64) (uint64, error) {
	if winningTotal == 0 {
		return 0, domain.ErrNoWinningStake
	}
	z, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(amount),
		uint256.NewInt(totalPot),
		uint256.NewInt(winningTotal),
	)
	if overflow || !z.IsUint64() {
		return 0, fmt.Errorf("%w: payout %d*%d/%d", domain.ErrArithmeticOverflow, amount, totalPot, winningTotal)
	}
	return z.Uint64(), nil
}
