// Package delivery tracks shipment and delivery between vendor and buyer.
// Confirmed delivery is the primary trigger for escrow release; the
// confirmation and the release commit in the same unit of work.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/escrow"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

type Tracker struct {
	db      *sql.DB
	escrows *escrow.Manager
	events  *messaging.Client
	cfg     domain.SettlementConfig
}

func NewTracker(db *sql.DB, escrows *escrow.Manager, events *messaging.Client, cfg domain.SettlementConfig) *Tracker {
	return &Tracker{db: db, escrows: escrows, events: events, cfg: cfg}
}

// WithinDisputeWindow reports whether a buyer may still contest. Before
// delivery the window is unrestricted; after delivery it closes window
// after deliveredAt.
func WithinDisputeWindow(deliveredAt *time.Time, now time.Time, window time.Duration) bool {
	if deliveredAt == nil {
		return true
	}
	return now.Sub(*deliveredAt) <= window
}

// CreateTx creates the confirmation record at auction close. Digital goods
// and listings without a shipment requirement start at PENDING_DELIVERY and
// skip the shipment step.
func (t *Tracker) CreateTx(tx *sql.Tx, auction *domain.Auction, buyerID uuid.UUID) (*domain.DeliveryConfirmation, error) {
	status := domain.DeliveryStatusPendingShipment
	if auction.IsDigital || !auction.DeliveryRequired {
		status = domain.DeliveryStatusPendingDelivery
	}

	now := time.Now()
	dc := &domain.DeliveryConfirmation{
		ID:        uuid.New(),
		AuctionID: auction.ID,
		VendorID:  auction.VendorID,
		BuyerID:   buyerID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := tx.Exec(
		`INSERT INTO delivery_confirmations (id, auction_id, vendor_id, buyer_id, status, carrier, tracking_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dc.ID, dc.AuctionID, dc.VendorID, dc.BuyerID, dc.Status,
		dc.Carrier, dc.TrackingRef, dc.CreatedAt, dc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery confirmation: %w", err)
	}
	return dc, nil
}

// GetByAuction returns the confirmation for an auction.
func (t *Tracker) GetByAuction(ctx context.Context, auctionID uuid.UUID) (*domain.DeliveryConfirmation, error) {
	var dc domain.DeliveryConfirmation
	err := t.db.QueryRowContext(ctx, selectByAuction, auctionID).Scan(
		&dc.ID, &dc.AuctionID, &dc.VendorID, &dc.BuyerID, &dc.Status,
		&dc.Carrier, &dc.TrackingRef, &dc.ShippedAt, &dc.DeliveredAt,
		&dc.CreatedAt, &dc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery confirmation for auction %s: %w", auctionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery confirmation: %w", err)
	}
	return &dc, nil
}

const selectByAuction = `SELECT id, auction_id, vendor_id, buyer_id, status, carrier, tracking_ref, shipped_at, delivered_at, created_at, updated_at
 FROM delivery_confirmations WHERE auction_id = $1`

func (t *Tracker) lockByAuctionTx(tx *sql.Tx, auctionID uuid.UUID) (*domain.DeliveryConfirmation, error) {
	var dc domain.DeliveryConfirmation
	err := tx.QueryRow(selectByAuction+` FOR UPDATE`, auctionID).Scan(
		&dc.ID, &dc.AuctionID, &dc.VendorID, &dc.BuyerID, &dc.Status,
		&dc.Carrier, &dc.TrackingRef, &dc.ShippedAt, &dc.DeliveredAt,
		&dc.CreatedAt, &dc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery confirmation for auction %s: %w", auctionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock delivery confirmation: %w", err)
	}
	return &dc, nil
}

func (t *Tracker) setStatusTx(tx *sql.Tx, dc *domain.DeliveryConfirmation, status string) error {
	now := time.Now()
	switch status {
	case domain.DeliveryStatusShipped:
		dc.ShippedAt = &now
	case domain.DeliveryStatusDelivered:
		dc.DeliveredAt = &now
	}

	_, err := tx.Exec(
		`UPDATE delivery_confirmations SET status = $1, carrier = $2, tracking_ref = $3, shipped_at = $4, delivered_at = $5, updated_at = $6
		 WHERE id = $7`,
		status, dc.Carrier, dc.TrackingRef, dc.ShippedAt, dc.DeliveredAt, now, dc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery confirmation: %w", err)
	}
	dc.Status = status
	dc.UpdatedAt = now
	return nil
}

// MarkShipped records the vendor handing the item to a carrier.
func (t *Tracker) MarkShipped(ctx context.Context, auctionID, vendorID uuid.UUID, carrier, trackingRef string) (*domain.DeliveryConfirmation, error) {
	var dc *domain.DeliveryConfirmation
	err := store.RunInTx(ctx, t.db, func(tx *sql.Tx) error {
		var err error
		dc, err = t.lockByAuctionTx(tx, auctionID)
		if err != nil {
			return err
		}
		if dc.VendorID != vendorID {
			return fmt.Errorf("only the vendor may mark shipped: %w", domain.ErrUnauthorized)
		}
		if dc.Status != domain.DeliveryStatusPendingShipment {
			return fmt.Errorf("delivery is %s, expected PENDING_SHIPMENT: %w", dc.Status, domain.ErrInvalidState)
		}
		dc.Carrier = carrier
		dc.TrackingRef = trackingRef
		return t.setStatusTx(tx, dc, domain.DeliveryStatusShipped)
	})
	if err != nil {
		return nil, err
	}

	t.publish(ctx, messaging.SubjectDeliveryShipped, dc)
	return dc, nil
}

// ConfirmDelivery records the buyer's confirmation and releases the escrow
// to the vendor in the same transaction: confirmation and fund release are
// all-or-nothing.
func (t *Tracker) ConfirmDelivery(ctx context.Context, auctionID, buyerID uuid.UUID) (*domain.DeliveryConfirmation, error) {
	var dc *domain.DeliveryConfirmation
	err := store.RunSerializable(ctx, t.db, func(tx *sql.Tx) error {
		var err error
		dc, err = t.lockByAuctionTx(tx, auctionID)
		if err != nil {
			return err
		}
		if dc.BuyerID != buyerID {
			return fmt.Errorf("only the buyer may confirm delivery: %w", domain.ErrUnauthorized)
		}
		if dc.Status != domain.DeliveryStatusShipped && dc.Status != domain.DeliveryStatusPendingDelivery {
			return fmt.Errorf("delivery is %s, expected SHIPPED or PENDING_DELIVERY: %w", dc.Status, domain.ErrInvalidState)
		}
		if err := t.setStatusTx(tx, dc, domain.DeliveryStatusDelivered); err != nil {
			return err
		}
		// HELD-only release: once either party disputes, funds move only
		// through resolution, and the confirmation rolls back with it.
		_, err = t.escrows.ReleaseHeldTx(tx, auctionID, "delivery confirmed")
		return err
	})
	if err != nil {
		return nil, err
	}

	t.publish(ctx, messaging.SubjectDeliveryConfirmed, dc)
	return dc, nil
}

// OpenDisputeTx flips the delivery to DISPUTED after checking the dispute
// window. A DELIVERED confirmation may be contested until the window after
// deliveredAt closes. Runs inside the dispute resolver's unit of work.
func (t *Tracker) OpenDisputeTx(tx *sql.Tx, auctionID, buyerID uuid.UUID) (*domain.DeliveryConfirmation, error) {
	dc, err := t.lockByAuctionTx(tx, auctionID)
	if err != nil {
		return nil, err
	}
	if dc.BuyerID != buyerID {
		return nil, fmt.Errorf("only the buyer may open a dispute: %w", domain.ErrUnauthorized)
	}
	switch dc.Status {
	case domain.DeliveryStatusDisputed:
		return nil, fmt.Errorf("delivery already disputed: %w", domain.ErrConflict)
	case domain.DeliveryStatusCancelled:
		return nil, fmt.Errorf("delivery is cancelled: %w", domain.ErrInvalidState)
	}
	if !WithinDisputeWindow(dc.DeliveredAt, time.Now(), t.cfg.DisputeWindow) {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrDisputeWindowClosed)
	}
	if err := t.setStatusTx(tx, dc, domain.DeliveryStatusDisputed); err != nil {
		return nil, err
	}
	return dc, nil
}

// SettleTx moves a disputed delivery to its terminal state as decided by
// an admin: DELIVERED when the vendor prevails, CANCELLED when the buyer
// is refunded. Runs inside the resolver's unit of work.
func (t *Tracker) SettleTx(tx *sql.Tx, auctionID uuid.UUID, releaseToVendor bool) (*domain.DeliveryConfirmation, error) {
	dc, err := t.lockByAuctionTx(tx, auctionID)
	if err != nil {
		return nil, err
	}
	if dc.Status == domain.DeliveryStatusDelivered || dc.Status == domain.DeliveryStatusCancelled {
		return nil, fmt.Errorf("delivery already settled as %s: %w", dc.Status, domain.ErrInvalidState)
	}
	status := domain.DeliveryStatusCancelled
	if releaseToVendor {
		status = domain.DeliveryStatusDelivered
	}
	if err := t.setStatusTx(tx, dc, status); err != nil {
		return nil, err
	}
	return dc, nil
}

func (t *Tracker) publish(ctx context.Context, subject string, dc *domain.DeliveryConfirmation) {
	if t.events == nil {
		return
	}
	event := messaging.DeliveryEvent{
		AuctionID:   dc.AuctionID,
		VendorID:    dc.VendorID,
		BuyerID:     dc.BuyerID,
		Status:      dc.Status,
		TrackingRef: dc.TrackingRef,
		Timestamp:   time.Now(),
	}
	if err := t.events.Publish(ctx, subject, event); err != nil {
		log.Printf("delivery: failed to publish %s for auction %s: %v", subject, dc.AuctionID, err)
	}
}
