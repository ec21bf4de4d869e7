package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementConfig carries the tunable economics of the marketplace.
// Every component receives it at construction; nothing reads globals.
type SettlementConfig struct {
	// MinIncrement is the fractional step a new bid must clear over the
	// current price (0.05 = 5%).
	MinIncrement decimal.Decimal

	// PlatformFeeRate is the fraction of a winning bid kept by the platform.
	PlatformFeeRate decimal.Decimal

	// RetractionPenaltyRate and RetractionPenaltyFloor set the cost of
	// retracting a bid: max(amount*rate, floor).
	RetractionPenaltyRate  decimal.Decimal
	RetractionPenaltyFloor decimal.Decimal

	// SuspiciousJumpMultiplier flags (but never blocks) bids exceeding
	// current price by this factor.
	SuspiciousJumpMultiplier decimal.Decimal

	// AntiSnipeWindow extends the auction deadline when a bid lands within
	// it. Every qualifying bid re-extends; there is no cap.
	AntiSnipeWindow time.Duration

	// BidCooldown is the per-bidder-per-auction minimum gap between bids.
	BidCooldown time.Duration

	// DisputeWindow bounds how long after delivery a buyer may contest.
	DisputeWindow time.Duration

	// TreasuryAccountID receives platform fees and retraction penalties.
	TreasuryAccountID uuid.UUID
}

// DefaultSettlementConfig returns the marketplace defaults.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		MinIncrement:             decimal.NewFromFloat(0.05),
		PlatformFeeRate:          decimal.NewFromFloat(0.10),
		RetractionPenaltyRate:    decimal.NewFromFloat(0.10),
		RetractionPenaltyFloor:   decimal.NewFromInt(1),
		SuspiciousJumpMultiplier: decimal.NewFromFloat(3.0),
		AntiSnipeWindow:          30 * time.Second,
		BidCooldown:              5 * time.Second,
		DisputeWindow:            7 * 24 * time.Hour,
	}
}
