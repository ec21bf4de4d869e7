package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

func TestRateLimiter(t *testing.T) {
	t.Run("allows up to the limit inside the window", func(t *testing.T) {
		rl := &rateLimiter{requests: make(map[string][]time.Time), limit: 3, window: time.Minute}
		assert.True(t, rl.Allow("1.2.3.4"))
		assert.True(t, rl.Allow("1.2.3.4"))
		assert.True(t, rl.Allow("1.2.3.4"))
		assert.False(t, rl.Allow("1.2.3.4"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		rl := &rateLimiter{requests: make(map[string][]time.Time), limit: 1, window: time.Minute}
		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))
		assert.True(t, rl.Allow("b"))
	})

	t.Run("window expiry frees the budget", func(t *testing.T) {
		rl := &rateLimiter{requests: make(map[string][]time.Time), limit: 1, window: 10 * time.Millisecond}
		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))
		time.Sleep(15 * time.Millisecond)
		assert.True(t, rl.Allow("a"))
	})
}

func TestWriteErrorStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrEscrowNotFound, http.StatusNotFound},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrAlreadySettled, http.StatusConflict},
		{domain.ErrInvalidState, http.StatusConflict},
		{domain.ErrStalePrice, http.StatusConflict},
		{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{domain.ErrDisputeWindowClosed, http.StatusUnprocessableEntity},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrExternalService, http.StatusBadGateway},
		{fmt.Errorf("something unexpected"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeError(c, fmt.Errorf("wrapped: %w", tc.err))
		assert.Equal(t, tc.status, w.Code, "error %v", tc.err)
	}
}
