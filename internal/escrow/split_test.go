package escrow

import (
	"testing"

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

func TestSplitPayout(t *testing.T) {
	t.Run("ten percent platform fee", func(t *testing.T) {
		vendor, fee := SplitPayout(dec("1000"), dec("0.10"))
		assert.True(t, vendor.Equal(dec("900")), "vendor got %s", vendor)
		assert.True(t, fee.Equal(dec("100")), "fee got %s", fee)
	})

	t.Run("vendor and fee always sum to the escrow", func(t *testing.T) {
		for _, amount := range []string{"1", "3", "99.99", "1234.5678"} {
			vendor, fee := SplitPayout(dec(amount), dec("0.10"))
			assert.True(t, vendor.Add(fee).Equal(dec(amount)),
				"%s split into %s + %s", amount, vendor, fee)
		}
	})

	t.Run("zero fee rate pays the vendor everything", func(t *testing.T) {
		vendor, fee := SplitPayout(dec("500"), decimal.Zero)
		assert.True(t, vendor.Equal(dec("500")))
		assert.True(t, fee.IsZero())
	})
}

func TestSplitPartial(t *testing.T) {
	t.Run("even split", func(t *testing.T) {
		buyer, vendor, err := SplitPartial(dec("200"), dec("0.5"))
		assert.NoError(t, err)
		assert.True(t, buyer.Equal(dec("100")), "buyer got %s", buyer)
		assert.True(t, vendor.Equal(dec("100")), "vendor got %s", vendor)
	})

	t.Run("ratio is the buyer share", func(t *testing.T) {
		buyer, vendor, err := SplitPartial(dec("100"), dec("0.75"))
		assert.NoError(t, err)
		assert.True(t, buyer.Equal(dec("75")))
		assert.True(t, vendor.Equal(dec("25")))
	})

	t.Run("boundary ratios", func(t *testing.T) {
		buyer, vendor, err := SplitPartial(dec("100"), decimal.Zero)
		assert.NoError(t, err)
		assert.True(t, buyer.IsZero())
		assert.True(t, vendor.Equal(dec("100")))

		buyer, vendor, err = SplitPartial(dec("100"), dec("1"))
		assert.NoError(t, err)
		assert.True(t, buyer.Equal(dec("100")))
		assert.True(t, vendor.IsZero())
	})

	t.Run("ratio outside unit interval is rejected", func(t *testing.T) {
		_, _, err := SplitPartial(dec("100"), dec("1.01"))
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, _, err = SplitPartial(dec("100"), dec("-0.1"))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("shares sum to the escrow", func(t *testing.T) {
		buyer, vendor, err := SplitPartial(dec("333.33"), dec("0.4"))
		assert.NoError(t, err)
		assert.True(t, buyer.Add(vendor).Equal(dec("333.33")))
	})
}
