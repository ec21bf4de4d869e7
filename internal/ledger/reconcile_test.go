package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func entry(accountID uuid.UUID, txType, amount, status string, escrowID *uuid.UUID) domain.TokenTransaction {
	return domain.TokenTransaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      txType,
		Amount:    dec(amount),
		Status:    status,
		EscrowID:  escrowID,
	}
}

func TestEntryDelta(t *testing.T) {
	treasury := uuid.New()
	account := uuid.New()
	escrowID := uuid.New()

	t.Run("pending and failed entries contribute nothing", func(t *testing.T) {
		for _, status := range []string{domain.TxStatusPending, domain.TxStatusFailed} {
			da, de := EntryDelta(entry(account, domain.TxTypePurchase, "100", status, nil), treasury)
			assert.True(t, da.IsZero())
			assert.True(t, de.IsZero())
		}
	})

	t.Run("frozen entries contribute nothing", func(t *testing.T) {
		e := entry(account, domain.TxTypeEscrowHold, "50", domain.TxStatusSuccess, &escrowID)
		e.Frozen = true
		da, de := EntryDelta(e, treasury)
		assert.True(t, da.IsZero())
		assert.True(t, de.IsZero())
	})

	t.Run("open hold reserves into escrowed", func(t *testing.T) {
		da, de := EntryDelta(entry(account, domain.TxTypeEscrowHold, "50", domain.TxStatusSuccess, nil), treasury)
		assert.True(t, da.Equal(dec("-50")))
		assert.True(t, de.Equal(dec("50")))
	})

	t.Run("capture drains escrowed only", func(t *testing.T) {
		da, de := EntryDelta(entry(account, domain.TxTypeEscrowHold, "50", domain.TxStatusSuccess, &escrowID), treasury)
		assert.True(t, da.IsZero())
		assert.True(t, de.Equal(dec("-50")))
	})

	t.Run("penalty lands on treasury as available", func(t *testing.T) {
		da, de := EntryDelta(entry(treasury, domain.TxTypePenalty, "2", domain.TxStatusSuccess, nil), treasury)
		assert.True(t, da.Equal(dec("2")))
		assert.True(t, de.IsZero())
	})

	t.Run("penalty on bidder comes out of escrowed", func(t *testing.T) {
		da, de := EntryDelta(entry(account, domain.TxTypePenalty, "2", domain.TxStatusSuccess, nil), treasury)
		assert.True(t, da.IsZero())
		assert.True(t, de.Equal(dec("-2")))
	})
}

func TestExpectedHoldings(t *testing.T) {
	treasury := uuid.New()
	bidder := uuid.New()
	escrowID := uuid.New()

	t.Run("purchase then open bid hold", func(t *testing.T) {
		h := ExpectedHoldings([]domain.TokenTransaction{
			entry(bidder, domain.TxTypePurchase, "500", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeEscrowHold, "120", domain.TxStatusSuccess, nil),
		}, treasury)
		assert.True(t, h.Available.Equal(dec("380")), "available %s", h.Available)
		assert.True(t, h.Escrowed.Equal(dec("120")), "escrowed %s", h.Escrowed)
	})

	t.Run("losing bidder is made whole", func(t *testing.T) {
		h := ExpectedHoldings([]domain.TokenTransaction{
			entry(bidder, domain.TxTypePurchase, "500", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeEscrowHold, "120", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeRefund, "120", domain.TxStatusSuccess, nil),
		}, treasury)
		assert.True(t, h.Available.Equal(dec("500")))
		assert.True(t, h.Escrowed.IsZero())
	})

	t.Run("retraction keeps the penalty", func(t *testing.T) {
		// 120 held, refund of 108, penalty of 12 forfeited from the hold.
		h := ExpectedHoldings([]domain.TokenTransaction{
			entry(bidder, domain.TxTypePurchase, "500", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeEscrowHold, "120", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeRefund, "108", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypePenalty, "12", domain.TxStatusSuccess, nil),
		}, treasury)
		assert.True(t, h.Available.Equal(dec("488")), "available %s", h.Available)
		assert.True(t, h.Escrowed.IsZero(), "escrowed %s", h.Escrowed)
	})

	t.Run("winning bidder value is captured at close", func(t *testing.T) {
		// The open hold is kept as-is and a linked capture entry is
		// appended; the pair nets to the available-balance debit.
		h := ExpectedHoldings([]domain.TokenTransaction{
			entry(bidder, domain.TxTypePurchase, "500", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeEscrowHold, "120", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeEscrowHold, "120", domain.TxStatusSuccess, &escrowID),
		}, treasury)
		assert.True(t, h.Available.Equal(dec("380")))
		assert.True(t, h.Escrowed.IsZero())
	})

	t.Run("escrow refund restores the buyer", func(t *testing.T) {
		h := ExpectedHoldings([]domain.TokenTransaction{
			entry(bidder, domain.TxTypePurchase, "500", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeEscrowHold, "120", domain.TxStatusSuccess, nil),
			entry(bidder, domain.TxTypeEscrowHold, "120", domain.TxStatusSuccess, &escrowID),
			entry(bidder, domain.TxTypeRefund, "120", domain.TxStatusSuccess, &escrowID),
		}, treasury)
		assert.True(t, h.Available.Equal(dec("500")))
		assert.True(t, h.Escrowed.IsZero())
	})

	t.Run("payout clawback squares the vendor after a refund", func(t *testing.T) {
		vendor := uuid.New()
		// 90 released to the vendor, then clawed back when the buyer
		// disputed inside the window and the escrow was refunded.
		h := ExpectedHoldings([]domain.TokenTransaction{
			entry(vendor, domain.TxTypePayout, "90", domain.TxStatusSuccess, &escrowID),
			entry(vendor, domain.TxTypeEscrowHold, "90", domain.TxStatusSuccess, nil),
			entry(vendor, domain.TxTypeEscrowHold, "90", domain.TxStatusSuccess, &escrowID),
		}, treasury)
		assert.True(t, h.Available.IsZero(), "available %s", h.Available)
		assert.True(t, h.Escrowed.IsZero(), "escrowed %s", h.Escrowed)
	})

	t.Run("treasury accrues fee only on success", func(t *testing.T) {
		h := ExpectedHoldings([]domain.TokenTransaction{
			entry(treasury, domain.TxTypeFee, "12", domain.TxStatusPending, &escrowID),
		}, treasury)
		assert.True(t, h.Available.IsZero())

		h = ExpectedHoldings([]domain.TokenTransaction{
			entry(treasury, domain.TxTypeFee, "12", domain.TxStatusSuccess, &escrowID),
		}, treasury)
		assert.True(t, h.Available.Equal(dec("12")))
	})
}
