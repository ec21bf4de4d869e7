// Package escrow guards a winning bid's tokens between auction close and
// settlement. Release, refund and partial resolution all pass a
// terminal-state check under a row lock; the one sanctioned reopening is a
// released escrow disputed inside the post-delivery window, which claws
// the payout back before freezing.
package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

type Manager struct {
	db     *sql.DB
	ledger *ledger.Ledger
	events *messaging.Client
	cfg    domain.SettlementConfig
}

func NewManager(db *sql.DB, l *ledger.Ledger, events *messaging.Client, cfg domain.SettlementConfig) *Manager {
	return &Manager{db: db, ledger: l, events: events, cfg: cfg}
}

// CreateTx creates the HELD escrow for a closed auction inside the close
// unit of work. The winner's bid hold is captured into the escrow and the
// PENDING platform-fee entry is recorded.
func (m *Manager) CreateTx(tx *sql.Tx, auction *domain.Auction) (*domain.Escrow, error) {
	if auction.HighestBidderID == nil || !auction.WinningBidAmount.IsPositive() {
		return nil, fmt.Errorf("auction %s has no winner: %w", auction.ID, domain.ErrInvalidState)
	}

	var existing uuid.UUID
	err := tx.QueryRow(`SELECT id FROM escrows WHERE auction_id = $1`, auction.ID).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("escrow already exists for auction %s: %w", auction.ID, domain.ErrInvalidState)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check existing escrow: %w", err)
	}

	esc := &domain.Escrow{
		ID:          uuid.New(),
		AuctionID:   auction.ID,
		BuyerID:     *auction.HighestBidderID,
		VendorID:    auction.VendorID,
		TokenAmount: auction.WinningBidAmount,
		Status:      domain.EscrowStatusHeld,
		CreatedAt:   time.Now(),
	}

	_, err = tx.Exec(
		`INSERT INTO escrows (id, auction_id, buyer_id, vendor_id, token_amount, status, release_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		esc.ID, esc.AuctionID, esc.BuyerID, esc.VendorID, esc.TokenAmount,
		esc.Status, esc.ReleaseReason, esc.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	if err := m.ledger.CaptureHoldTx(tx, esc.BuyerID, auction.ID, esc.ID, esc.TokenAmount); err != nil {
		return nil, err
	}

	_, fee := SplitPayout(esc.TokenAmount, m.cfg.PlatformFeeRate)
	if _, err := m.ledger.RecordPendingFeeTx(tx, auction.ID, esc.ID, fee); err != nil {
		return nil, err
	}

	return esc, nil
}

// GetByAuction returns the escrow for an auction.
func (m *Manager) GetByAuction(ctx context.Context, auctionID uuid.UUID) (*domain.Escrow, error) {
	var e domain.Escrow
	err := m.db.QueryRowContext(ctx,
		`SELECT id, auction_id, buyer_id, vendor_id, token_amount, status, release_reason, created_at, released_at
		 FROM escrows WHERE auction_id = $1`, auctionID,
	).Scan(&e.ID, &e.AuctionID, &e.BuyerID, &e.VendorID, &e.TokenAmount,
		&e.Status, &e.ReleaseReason, &e.CreatedAt, &e.ReleasedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrEscrowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	return &e, nil
}

// LockByAuctionTx loads the escrow under a row lock; the dispute
// resolver uses it to identify the parties before mutating anything.
func (m *Manager) LockByAuctionTx(tx *sql.Tx, auctionID uuid.UUID) (*domain.Escrow, error) {
	var e domain.Escrow
	err := tx.QueryRow(
		`SELECT id, auction_id, buyer_id, vendor_id, token_amount, status, release_reason, created_at, released_at
		 FROM escrows WHERE auction_id = $1 FOR UPDATE`, auctionID,
	).Scan(&e.ID, &e.AuctionID, &e.BuyerID, &e.VendorID, &e.TokenAmount,
		&e.Status, &e.ReleaseReason, &e.CreatedAt, &e.ReleasedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrEscrowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock escrow: %w", err)
	}
	return &e, nil
}

// lockSettleableTx loads the escrow and enforces the exactly-once check:
// terminal escrows fail with ErrAlreadySettled.
func (m *Manager) lockSettleableTx(tx *sql.Tx, auctionID uuid.UUID) (*domain.Escrow, error) {
	esc, err := m.LockByAuctionTx(tx, auctionID)
	if err != nil {
		return nil, err
	}
	if !settleable(esc.Status) {
		return nil, fmt.Errorf("escrow %s is %s: %w", esc.ID, esc.Status, domain.ErrAlreadySettled)
	}
	return esc, nil
}

func (m *Manager) markTx(tx *sql.Tx, esc *domain.Escrow, status, reason string) error {
	now := time.Now()
	_, err := tx.Exec(
		`UPDATE escrows SET status = $1, release_reason = $2, released_at = $3 WHERE id = $4`,
		status, reason, now, esc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	esc.Status = status
	esc.ReleaseReason = reason
	esc.ReleasedAt = &now
	return nil
}

// ReleaseHeldTx settles a HELD escrow to the vendor. This is the delivery
// confirmation path: a disputed escrow must go through resolution instead,
// so a buyer confirming after either party disputed cannot bypass the
// admin decision.
func (m *Manager) ReleaseHeldTx(tx *sql.Tx, auctionID uuid.UUID, reason string) (*domain.Escrow, error) {
	esc, err := m.lockSettleableTx(tx, auctionID)
	if err != nil {
		return nil, err
	}
	if esc.Status != domain.EscrowStatusHeld {
		return nil, fmt.Errorf("escrow %s is %s, release requires HELD: %w",
			esc.ID, esc.Status, domain.ErrInvalidState)
	}
	return m.releaseTx(tx, esc, reason)
}

// ReleaseToVendorTx settles the escrow to the vendor: vendor is credited
// tokenAmount minus the platform fee and the pending fee entry settles
// SUCCESS. Requires HELD, or DISPUTED for the resolution path.
func (m *Manager) ReleaseToVendorTx(tx *sql.Tx, auctionID uuid.UUID, reason string) (*domain.Escrow, error) {
	esc, err := m.lockSettleableTx(tx, auctionID)
	if err != nil {
		return nil, err
	}
	return m.releaseTx(tx, esc, reason)
}

func (m *Manager) releaseTx(tx *sql.Tx, esc *domain.Escrow, reason string) (*domain.Escrow, error) {
	// A DISPUTED escrow with a release timestamp was released once already
	// and clawed back when the dispute opened; its fee entry has settled,
	// so the treasury share is restored with a fresh entry.
	reRelease := esc.Status == domain.EscrowStatusDisputed && esc.ReleasedAt != nil

	if esc.Status == domain.EscrowStatusDisputed {
		if err := m.ledger.SetEscrowEntriesFrozenTx(tx, esc.ID, false); err != nil {
			return nil, err
		}
	}

	vendorAmount, fee := SplitPayout(esc.TokenAmount, m.cfg.PlatformFeeRate)
	if err := m.markTx(tx, esc, domain.EscrowStatusReleased, reason); err != nil {
		return nil, err
	}
	if err := m.ledger.CreditTx(tx, esc.VendorID, vendorAmount, domain.TxTypePayout,
		&esc.AuctionID, &esc.ID, domain.TxStatusSuccess, "vendor payout"); err != nil {
		return nil, err
	}
	if reRelease {
		if err := m.ledger.CreditTx(tx, m.ledger.TreasuryID(), fee, domain.TxTypeFee,
			&esc.AuctionID, &esc.ID, domain.TxStatusSuccess, "platform fee restored"); err != nil {
			return nil, err
		}
	} else if err := m.ledger.SettleAuctionFeeTx(tx, esc.AuctionID, true); err != nil {
		return nil, err
	}
	return esc, nil
}

// ReleaseToVendor runs the release in its own unit of work and publishes
// the settlement event after commit.
func (m *Manager) ReleaseToVendor(ctx context.Context, auctionID uuid.UUID, reason string) (*domain.Escrow, error) {
	var esc *domain.Escrow
	err := store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		esc, err = m.ReleaseToVendorTx(tx, auctionID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	vendorAmount, _ := SplitPayout(esc.TokenAmount, m.cfg.PlatformFeeRate)
	m.publish(ctx, messaging.SubjectEscrowReleased, esc, vendorAmount, decimal.Zero, reason)
	return esc, nil
}

// RefundToBuyerTx settles the escrow back to the buyer in full; the
// pending fee entry settles FAILED.
func (m *Manager) RefundToBuyerTx(tx *sql.Tx, auctionID uuid.UUID, reason string) (*domain.Escrow, error) {
	esc, err := m.lockSettleableTx(tx, auctionID)
	if err != nil {
		return nil, err
	}

	if esc.Status == domain.EscrowStatusDisputed {
		if err := m.ledger.SetEscrowEntriesFrozenTx(tx, esc.ID, false); err != nil {
			return nil, err
		}
	}

	if err := m.markTx(tx, esc, domain.EscrowStatusRefunded, reason); err != nil {
		return nil, err
	}
	if err := m.ledger.CreditTx(tx, esc.BuyerID, esc.TokenAmount, domain.TxTypeRefund,
		&esc.AuctionID, &esc.ID, domain.TxStatusSuccess, "escrow refund"); err != nil {
		return nil, err
	}
	if err := m.ledger.SettleAuctionFeeTx(tx, esc.AuctionID, false); err != nil {
		return nil, err
	}
	return esc, nil
}

// RefundToBuyer runs the refund in its own unit of work.
func (m *Manager) RefundToBuyer(ctx context.Context, auctionID uuid.UUID, reason string) (*domain.Escrow, error) {
	var esc *domain.Escrow
	err := store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		esc, err = m.RefundToBuyerTx(tx, auctionID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.publish(ctx, messaging.SubjectEscrowRefunded, esc, decimal.Zero, esc.TokenAmount, reason)
	return esc, nil
}

// MarkDisputedTx freezes the escrow. HELD moves to DISPUTED directly; a
// RELEASED escrow may be re-disputed (the caller enforces the dispute
// window), which claws the vendor payout and the platform fee back under
// escrow control so every resolution can still route the full amount.
// Linked ledger entries are marked frozen so reconciliation reports
// exclude them until the dispute resolves.
func (m *Manager) MarkDisputedTx(tx *sql.Tx, auctionID uuid.UUID) (*domain.Escrow, error) {
	esc, err := m.LockByAuctionTx(tx, auctionID)
	if err != nil {
		return nil, err
	}

	switch esc.Status {
	case domain.EscrowStatusHeld:
	case domain.EscrowStatusReleased:
		vendorAmount, fee := SplitPayout(esc.TokenAmount, m.cfg.PlatformFeeRate)
		if err := m.ledger.ClawbackTx(tx, esc.VendorID, esc.AuctionID, esc.ID,
			vendorAmount, "payout clawed back under dispute"); err != nil {
			return nil, err
		}
		if err := m.ledger.ClawbackTx(tx, m.ledger.TreasuryID(), esc.AuctionID, esc.ID,
			fee, "platform fee clawed back under dispute"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("escrow %s is %s and cannot be disputed: %w",
			esc.ID, esc.Status, domain.ErrInvalidState)
	}

	_, err = tx.Exec(`UPDATE escrows SET status = $1 WHERE id = $2`, domain.EscrowStatusDisputed, esc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}
	esc.Status = domain.EscrowStatusDisputed

	if err := m.ledger.SetEscrowEntriesFrozenTx(tx, esc.ID, true); err != nil {
		return nil, err
	}
	return esc, nil
}

// PartialResolutionTx splits the escrow: ratio to the buyer, the rest to
// the vendor, two independent ledger entries, terminal status RESOLVED.
// No platform fee is taken on a split; the pending fee entry settles
// FAILED.
func (m *Manager) PartialResolutionTx(tx *sql.Tx, auctionID uuid.UUID, ratio decimal.Decimal, reason string) (*domain.Escrow, error) {
	esc, err := m.lockSettleableTx(tx, auctionID)
	if err != nil {
		return nil, err
	}

	buyerAmount, vendorAmount, err := SplitPartial(esc.TokenAmount, ratio)
	if err != nil {
		return nil, err
	}

	if esc.Status == domain.EscrowStatusDisputed {
		if err := m.ledger.SetEscrowEntriesFrozenTx(tx, esc.ID, false); err != nil {
			return nil, err
		}
	}

	if err := m.markTx(tx, esc, domain.EscrowStatusResolved, reason); err != nil {
		return nil, err
	}
	if buyerAmount.IsPositive() {
		if err := m.ledger.CreditTx(tx, esc.BuyerID, buyerAmount, domain.TxTypeRefund,
			&esc.AuctionID, &esc.ID, domain.TxStatusSuccess, "partial refund"); err != nil {
			return nil, err
		}
	}
	if vendorAmount.IsPositive() {
		if err := m.ledger.CreditTx(tx, esc.VendorID, vendorAmount, domain.TxTypePayout,
			&esc.AuctionID, &esc.ID, domain.TxStatusSuccess, "partial payout"); err != nil {
			return nil, err
		}
	}
	if err := m.ledger.SettleAuctionFeeTx(tx, esc.AuctionID, false); err != nil {
		return nil, err
	}
	return esc, nil
}

// PartialResolution runs the split in its own unit of work.
func (m *Manager) PartialResolution(ctx context.Context, auctionID uuid.UUID, ratio decimal.Decimal, reason string) (*domain.Escrow, error) {
	var esc *domain.Escrow
	err := store.RunSerializable(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		esc, err = m.PartialResolutionTx(tx, auctionID, ratio, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	buyerAmount, vendorAmount, _ := SplitPartial(esc.TokenAmount, ratio)
	m.publish(ctx, messaging.SubjectEscrowReleased, esc, vendorAmount, buyerAmount, reason)
	return esc, nil
}

// publish emits an escrow event best-effort; failures are logged, never
// surfaced to settlement callers.
func (m *Manager) publish(ctx context.Context, subject string, esc *domain.Escrow, vendorAmount, buyerAmount decimal.Decimal, reason string) {
	if m.events == nil {
		return
	}
	event := messaging.EscrowEvent{
		EscrowID:    esc.ID,
		AuctionID:   esc.AuctionID,
		BuyerID:     esc.BuyerID,
		VendorID:    esc.VendorID,
		TokenAmount: esc.TokenAmount.String(),
		Status:      esc.Status,
		Reason:      reason,
		Timestamp:   time.Now(),
	}
	if vendorAmount.IsPositive() {
		event.VendorAmount = vendorAmount.String()
	}
	if buyerAmount.IsPositive() {
		event.BuyerAmount = buyerAmount.String()
	}
	if err := m.events.Publish(ctx, subject, event); err != nil {
		log.Printf("escrow: failed to publish %s for auction %s: %v", subject, esc.AuctionID, err)
	}
}
