package bidding

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMinimumNextBid(t *testing.T) {
	t.Run("five percent over current price", func(t *testing.T) {
		min := MinimumNextBid(dec("100"), dec("0.05"))
		assert.True(t, min.Equal(dec("105")), "got %s", min)
	})

	t.Run("bid at exactly the minimum clears", func(t *testing.T) {
		min := MinimumNextBid(dec("100"), dec("0.05"))
		assert.False(t, dec("106").LessThan(min))
		assert.False(t, dec("105").LessThan(min))
		assert.True(t, dec("104.99").LessThan(min))
	})

	t.Run("fractional prices keep exact arithmetic", func(t *testing.T) {
		min := MinimumNextBid(dec("0.10"), dec("0.05"))
		assert.True(t, min.Equal(dec("0.105")), "got %s", min)
	})
}

func TestRetractionPenalty(t *testing.T) {
	t.Run("percentage when above floor", func(t *testing.T) {
		p := RetractionPenalty(dec("200"), dec("0.10"), dec("1"))
		assert.True(t, p.Equal(dec("20")), "got %s", p)
	})

	t.Run("floor when percentage is too small", func(t *testing.T) {
		p := RetractionPenalty(dec("5"), dec("0.10"), dec("1"))
		assert.True(t, p.Equal(dec("1")), "got %s", p)
	})

	t.Run("exact boundary takes either", func(t *testing.T) {
		p := RetractionPenalty(dec("10"), dec("0.10"), dec("1"))
		assert.True(t, p.Equal(dec("1")), "got %s", p)
	})
}

func TestSuspiciousJump(t *testing.T) {
	t.Run("flags beyond multiplier", func(t *testing.T) {
		assert.True(t, SuspiciousJump(dec("301"), dec("100"), dec("3")))
	})

	t.Run("exactly at multiplier is not flagged", func(t *testing.T) {
		assert.False(t, SuspiciousJump(dec("300"), dec("100"), dec("3")))
	})

	t.Run("zero current price never flags", func(t *testing.T) {
		assert.False(t, SuspiciousJump(dec("1000"), decimal.Zero, dec("3")))
	})
}

func TestExtendedDeadline(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 30 * time.Second

	t.Run("bid inside window extends to now plus window", func(t *testing.T) {
		endTime := now.Add(10 * time.Second)
		extended, ok := ExtendedDeadline(endTime, now, window)
		assert.True(t, ok)
		assert.Equal(t, now.Add(window), extended)
	})

	t.Run("bid outside window leaves deadline alone", func(t *testing.T) {
		endTime := now.Add(5 * time.Minute)
		extended, ok := ExtendedDeadline(endTime, now, window)
		assert.False(t, ok)
		assert.Equal(t, endTime, extended)
	})

	t.Run("repeated snipes keep re-extending", func(t *testing.T) {
		endTime := now.Add(10 * time.Second)
		deadline := endTime
		cursor := now
		for i := 0; i < 5; i++ {
			var ok bool
			deadline, ok = ExtendedDeadline(deadline, cursor, window)
			assert.True(t, ok)
			cursor = cursor.Add(25 * time.Second)
		}
		assert.True(t, deadline.After(endTime.Add(time.Minute)))
	})
}
