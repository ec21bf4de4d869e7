package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

// SplitPayout divides an escrow between vendor and platform fee. The two
// parts always sum to amount exactly.
func SplitPayout(amount, feeRate decimal.Decimal) (vendor, fee decimal.Decimal) {
	fee = amount.Mul(feeRate)
	vendor = amount.Sub(fee)
	return vendor, fee
}

// SplitPartial divides an escrow between buyer and vendor by the buyer's
// refund ratio. The two parts always sum to amount exactly.
func SplitPartial(amount, ratio decimal.Decimal) (buyer, vendor decimal.Decimal, err error) {
	if ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, decimal.Zero,
			fmt.Errorf("refund ratio %s outside [0,1]: %w", ratio, domain.ErrValidation)
	}
	buyer = amount.Mul(ratio)
	vendor = amount.Sub(buyer)
	return buyer, vendor, nil
}

// settleable reports whether an escrow in the given status may still be
// released or refunded. RELEASED, REFUNDED and RESOLVED are terminal.
func settleable(status string) bool {
	return status == domain.EscrowStatusHeld || status == domain.EscrowStatusDisputed
}
