package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithinDisputeWindow(t *testing.T) {
	window := 7 * 24 * time.Hour
	delivered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("open before delivery", func(t *testing.T) {
		assert.True(t, WithinDisputeWindow(nil, time.Now(), window))
	})

	t.Run("six days after delivery is inside", func(t *testing.T) {
		now := delivered.Add(6 * 24 * time.Hour)
		assert.True(t, WithinDisputeWindow(&delivered, now, window))
	})

	t.Run("exactly seven days is still inside", func(t *testing.T) {
		now := delivered.Add(window)
		assert.True(t, WithinDisputeWindow(&delivered, now, window))
	})

	t.Run("eight days after delivery is closed", func(t *testing.T) {
		now := delivered.Add(8 * 24 * time.Hour)
		assert.False(t, WithinDisputeWindow(&delivered, now, window))
	})
}
