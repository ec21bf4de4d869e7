// Package payments bridges the token ledger to an external fiat processor.
// Processor calls run outside database transactions and behind a circuit
// breaker; a failed call fails only the transaction that needed it.
package payments

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Processor is the external fiat gateway. Charge pulls fiat for a token
// purchase, Payout pushes fiat for a token sale. Both return a provider
// reference on success.
type Processor interface {
	Charge(ctx context.Context, userID uuid.UUID, fiatAmount decimal.Decimal) (string, error)
	Payout(ctx context.Context, userID uuid.UUID, fiatAmount decimal.Decimal) (string, error)
}
