package bidding

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinimumNextBid returns the lowest acceptable bid over the current price:
// currentPrice * (1 + minIncrement).
func MinimumNextBid(currentPrice, minIncrement decimal.Decimal) decimal.Decimal {
	return currentPrice.Mul(decimal.NewFromInt(1).Add(minIncrement))
}

// RetractionPenalty is max(amount * rate, floor).
func RetractionPenalty(amount, rate, floor decimal.Decimal) decimal.Decimal {
	penalty := amount.Mul(rate)
	if penalty.LessThan(floor) {
		return floor
	}
	return penalty
}

// SuspiciousJump reports whether a bid exceeds the current price by the
// configured multiplier. Flagged bids are marked for review, never blocked.
func SuspiciousJump(amount, currentPrice, multiplier decimal.Decimal) bool {
	if !currentPrice.IsPositive() {
		return false
	}
	return amount.GreaterThan(currentPrice.Mul(multiplier))
}

// ExtendedDeadline applies the anti-sniping rule: a bid landing inside the
// window pushes the deadline to now + window. Every qualifying bid
// re-extends; the total extension is unbounded, a documented trade-off.
func ExtendedDeadline(endTime, now time.Time, window time.Duration) (time.Time, bool) {
	if endTime.Sub(now) >= window {
		return endTime, false
	}
	return now.Add(window), true
}
