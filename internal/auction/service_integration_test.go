package auction

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/delivery"
	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/escrow"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Requires a database with migrations/schema.sql applied. Skipped unless
// TEST_DATABASE_URL is set.
func openTestService(t *testing.T) (*Service, *ledger.Ledger, *escrow.Manager) {
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

	escrows := escrow.NewManager(db, led, nil, cfg)
	deliveries := delivery.NewTracker(db, escrows, nil, cfg)
	bids := bidding.NewEngine(db, led, nil, nil, nil, cfg)
	return NewService(db, led, bids, escrows, deliveries, nil, cfg), led, escrows
}

func TestRecoverySweepSettlesOrphanedClose(t *testing.T) {
	svc, led, escrows := openTestService(t)
	ctx := context.Background()

	vendor := uuid.New()
	a, err := svc.Create(ctx, CreateParams{
		VendorID:         vendor,
		Title:            "vintage synthesizer",
		StartingPrice:    dec("100"),
		StartTime:        time.Now().Add(-time.Hour),
		EndTime:          time.Now().Add(time.Hour),
		DeliveryRequired: true,
	})
	require.NoError(t, err)

	bidder := uuid.New()
	_, err = led.CreateAccount(ctx, bidder)
	require.NoError(t, err)
	require.NoError(t, store.RunSerializable(ctx, svc.db, func(tx *sql.Tx) error {
		return led.CreditTx(tx, bidder, dec("200"), domain.TxTypePurchase, nil, nil,
			domain.TxStatusSuccess, "seed")
	}))

	_, err = svc.bids.PlaceBid(ctx, a.ID, bidder, dec("106"))
	require.NoError(t, err)

	// Simulate a crash after the close flip: the auction is inactive but
	// settlement never ran.
	_, err = svc.db.ExecContext(ctx,
		`UPDATE auctions SET is_active = FALSE, ended_at = NOW() WHERE id = $1`, a.ID)
	require.NoError(t, err)

	ids, err := svc.UnsettledIDs(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, ids, a.ID)

	require.NoError(t, svc.Resettle(ctx, a.ID))

	esc, err := escrows.GetByAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusHeld, esc.Status)
	assert.True(t, esc.TokenAmount.Equal(dec("106")))

	ids, err = svc.UnsettledIDs(ctx, 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, a.ID)

	_, ok, err := led.Reconcile(ctx, bidder)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResettleRejectsOpenAuction(t *testing.T) {
	svc, _, _ := openTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, CreateParams{
		VendorID:         uuid.New(),
		Title:            "open listing",
		StartingPrice:    dec("50"),
		StartTime:        time.Now().Add(-time.Hour),
		EndTime:          time.Now().Add(time.Hour),
		DeliveryRequired: true,
	})
	require.NoError(t, err)

	err = svc.Resettle(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
