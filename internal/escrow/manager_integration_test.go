package escrow

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

// Requires a database with migrations/schema.sql applied. Skipped unless
// TEST_DATABASE_URL is set.
func openTestManager(t *testing.T) (*Manager, *ledger.Ledger, uuid.UUID) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	treasury := uuid.New()
	led := ledger.NewLedger(db, treasury)
	_, err = led.CreateAccount(context.Background(), treasury)
	require.NoError(t, err)

	cfg := domain.DefaultSettlementConfig()
	cfg.TreasuryAccountID = treasury
	return NewManager(db, led, nil, cfg), led, treasury
}

// seedEscrow funds a buyer, holds the winning amount and creates the HELD
// escrow the way the close unit of work does.
func seedEscrow(t *testing.T, m *Manager, led *ledger.Ledger, amount string) (*domain.Escrow, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	buyer := uuid.New()
	vendor := uuid.New()
	for _, id := range []uuid.UUID{buyer, vendor} {
		_, err := led.CreateAccount(ctx, id)
		require.NoError(t, err)
	}

	auction := &domain.Auction{
		ID:               uuid.New(),
		VendorID:         vendor,
		HighestBidderID:  &buyer,
		WinningBidAmount: dec(amount),
	}

	var esc *domain.Escrow
	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		if err := led.CreditTx(tx, buyer, dec(amount), domain.TxTypePurchase, nil, nil,
			domain.TxStatusSuccess, "seed"); err != nil {
			return err
		}
		if _, err := led.HoldTx(tx, buyer, auction.ID, dec(amount)); err != nil {
			return err
		}
		var err error
		esc, err = m.CreateTx(tx, auction)
		return err
	}))
	return esc, buyer, vendor
}

func balance(t *testing.T, led *ledger.Ledger, id uuid.UUID) *domain.Account {
	t.Helper()
	a, err := led.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func reconciles(t *testing.T, led *ledger.Ledger, ids ...uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		_, ok, err := led.Reconcile(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok, "account %s does not reconcile", id)
	}
}

func TestDeliveryReleaseRequiresHeld(t *testing.T) {
	m, led, _ := openTestManager(t)
	ctx := context.Background()

	esc, _, vendor := seedEscrow(t, m, led, "100")

	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.MarkDisputedTx(tx, esc.AuctionID)
		return err
	}))

	// The confirmation path may not release a disputed escrow.
	err := store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.ReleaseHeldTx(tx, esc.AuctionID, "delivery confirmed")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.True(t, balance(t, led, vendor).Balance.IsZero())

	// The resolution path still can.
	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.ReleaseToVendorTx(tx, esc.AuctionID, "resolved to vendor")
		return err
	}))

	got, err := m.GetByAuction(ctx, esc.AuctionID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusReleased, got.Status)
	assert.True(t, balance(t, led, vendor).Balance.Equal(dec("90")))
}

func TestPostDeliveryDisputeClawsBackPayout(t *testing.T) {
	m, led, treasury := openTestManager(t)
	ctx := context.Background()

	esc, buyer, vendor := seedEscrow(t, m, led, "1000")

	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.ReleaseHeldTx(tx, esc.AuctionID, "delivery confirmed")
		return err
	}))
	assert.True(t, balance(t, led, vendor).Balance.Equal(dec("900")))
	assert.True(t, balance(t, led, treasury).Balance.Equal(dec("100")))

	// Buyer disputes inside the window: payout and fee come back under
	// escrow control.
	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.MarkDisputedTx(tx, esc.AuctionID)
		return err
	}))

	got, err := m.GetByAuction(ctx, esc.AuctionID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusDisputed, got.Status)
	assert.True(t, balance(t, led, vendor).Balance.IsZero())
	assert.True(t, balance(t, led, treasury).Balance.IsZero())

	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.RefundToBuyerTx(tx, esc.AuctionID, "resolved to buyer")
		return err
	}))

	assert.True(t, balance(t, led, buyer).Balance.Equal(dec("1000")))
	assert.True(t, balance(t, led, vendor).Balance.IsZero())
	assert.True(t, balance(t, led, treasury).Balance.IsZero())
	reconciles(t, led, buyer, vendor, treasury)
}

func TestRedisputedReleaseRestoresFee(t *testing.T) {
	m, led, treasury := openTestManager(t)
	ctx := context.Background()

	esc, buyer, vendor := seedEscrow(t, m, led, "1000")

	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.ReleaseHeldTx(tx, esc.AuctionID, "delivery confirmed")
		return err
	}))
	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.MarkDisputedTx(tx, esc.AuctionID)
		return err
	}))

	// Vendor prevails: the clawed-back payout and fee land where the
	// original release put them.
	require.NoError(t, store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		_, err := m.ReleaseToVendorTx(tx, esc.AuctionID, "resolved to vendor")
		return err
	}))

	assert.True(t, balance(t, led, vendor).Balance.Equal(dec("900")))
	assert.True(t, balance(t, led, treasury).Balance.Equal(dec("100")))
	assert.True(t, balance(t, led, buyer).Balance.IsZero())
	reconciles(t, led, buyer, vendor, treasury)
}
