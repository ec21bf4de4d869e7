package auth

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
)

// Requires a database with migrations/schema.sql applied. Skipped unless
// TEST_DATABASE_URL is set.
func openTestAuth(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led := ledger.NewLedger(db, uuid.New())
	return NewService(db, led, "test-secret"), led
}

func TestRegisterCreatesUserAndAccountTogether(t *testing.T) {
	svc, led := openTestAuth(t)
	ctx := context.Background()

	email := fmt.Sprintf("buyer-%s@example.com", uuid.New())
	u, err := svc.Register(ctx, email, "hunter2hunter2")
	require.NoError(t, err)

	a, err := led.GetAccount(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
	assert.True(t, a.Escrowed.IsZero())

	// A second registration with the same email leaves no orphan rows.
	_, err = svc.Register(ctx, email, "hunter2hunter2")
	assert.ErrorIs(t, err, domain.ErrConflict)
}
