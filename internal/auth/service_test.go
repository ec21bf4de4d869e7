package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

func signedToken(t *testing.T, secret string, userID uuid.UUID, role string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		UserID: userID,
		Email:  "user@example.com",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifyToken(t *testing.T) {
	svc := NewService(nil, nil, "unit-test-secret")
	userID := uuid.New()

	t.Run("valid token round-trips claims", func(t *testing.T) {
		token := signedToken(t, "unit-test-secret", userID, RoleAdmin, time.Hour)
		claims, err := svc.VerifyToken(token)
		require.NoError(t, err)
		assert.Equal(t, userID, claims.UserID)
		assert.Equal(t, RoleAdmin, claims.Role)
	})

	t.Run("bearer prefix is stripped", func(t *testing.T) {
		token := signedToken(t, "unit-test-secret", userID, RoleUser, time.Hour)
		claims, err := svc.VerifyToken("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, userID, claims.UserID)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		token := signedToken(t, "other-secret", userID, RoleUser, time.Hour)
		_, err := svc.VerifyToken(token)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token := signedToken(t, "unit-test-secret", userID, RoleUser, -time.Minute)
		_, err := svc.VerifyToken(token)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := svc.VerifyToken("not-a-token")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})
}
