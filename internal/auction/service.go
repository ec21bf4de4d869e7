// Package auction owns the listing lifecycle: creation, edits before the
// first bid window opens, and the close/settlement unit of work.
package auction

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/delivery"
	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/escrow"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

type Service struct {
	db         *sql.DB
	ledger     *ledger.Ledger
	bids       *bidding.Engine
	escrows    *escrow.Manager
	deliveries *delivery.Tracker
	events     *messaging.Client
	cfg        domain.SettlementConfig
}

func NewService(db *sql.DB, l *ledger.Ledger, bids *bidding.Engine, escrows *escrow.Manager,
	deliveries *delivery.Tracker, events *messaging.Client, cfg domain.SettlementConfig) *Service {
	return &Service{db: db, ledger: l, bids: bids, escrows: escrows,
		deliveries: deliveries, events: events, cfg: cfg}
}

// CreateParams carries the vendor's listing input.
type CreateParams struct {
	VendorID         uuid.UUID
	Title            string
	StartingPrice    decimal.Decimal
	StartTime        time.Time
	EndTime          time.Time
	IsDigital        bool
	DeliveryRequired bool
}

// Create validates and inserts a new listing. CurrentPrice starts at the
// starting price; the first bid must clear it by the minimum increment.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Auction, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("title is required: %w", domain.ErrValidation)
	}
	if !p.StartingPrice.IsPositive() {
		return nil, fmt.Errorf("starting price must be positive: %w", domain.ErrValidation)
	}
	if !p.EndTime.After(p.StartTime) {
		return nil, fmt.Errorf("end time must be after start time: %w", domain.ErrValidation)
	}
	if p.IsDigital && p.DeliveryRequired {
		return nil, fmt.Errorf("digital goods cannot require shipment: %w", domain.ErrValidation)
	}

	a := &domain.Auction{
		ID:               uuid.New(),
		VendorID:         p.VendorID,
		Title:            p.Title,
		StartingPrice:    p.StartingPrice,
		CurrentPrice:     p.StartingPrice,
		StartTime:        p.StartTime,
		EndTime:          p.EndTime,
		IsActive:         true,
		IsDigital:        p.IsDigital,
		DeliveryRequired: p.DeliveryRequired,
		WinningBidAmount: decimal.Zero,
		CreatedAt:        time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auctions (id, vendor_id, title, starting_price, current_price, bid_count,
		     start_time, end_time, is_active, is_digital, delivery_required, winning_bid_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, TRUE, $8, $9, $10, $11)`,
		a.ID, a.VendorID, a.Title, a.StartingPrice, a.CurrentPrice,
		a.StartTime, a.EndTime, a.IsDigital, a.DeliveryRequired, a.WinningBidAmount, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}
	return a, nil
}

const selectAuction = `SELECT id, vendor_id, title, starting_price, current_price, highest_bidder_id, bid_count,
        start_time, end_time, ended_at, is_active, is_digital, delivery_required, winning_bid_amount, created_at
 FROM auctions`

func scanAuction(row *sql.Row, id uuid.UUID) (*domain.Auction, error) {
	var a domain.Auction
	err := row.Scan(&a.ID, &a.VendorID, &a.Title, &a.StartingPrice, &a.CurrentPrice,
		&a.HighestBidderID, &a.BidCount, &a.StartTime, &a.EndTime, &a.EndedAt,
		&a.IsActive, &a.IsDigital, &a.DeliveryRequired, &a.WinningBidAmount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("auction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auction: %w", err)
	}
	return &a, nil
}

// Get returns an auction by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Auction, error) {
	return scanAuction(s.db.QueryRowContext(ctx, selectAuction+` WHERE id = $1`, id), id)
}

// ListOpen returns active auctions whose bidding window is currently open.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]domain.Auction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectAuction+` WHERE is_active AND start_time <= NOW() AND end_time > NOW()
		 ORDER BY end_time ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list auctions: %w", err)
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		var a domain.Auction
		if err := rows.Scan(&a.ID, &a.VendorID, &a.Title, &a.StartingPrice, &a.CurrentPrice,
			&a.HighestBidderID, &a.BidCount, &a.StartTime, &a.EndTime, &a.EndedAt,
			&a.IsActive, &a.IsDigital, &a.DeliveryRequired, &a.WinningBidAmount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateParams carries the editable listing fields.
type UpdateParams struct {
	Title   *string
	EndTime *time.Time
}

// Update lets the vendor edit a listing before bidding starts. Once the
// window opens or a bid lands the listing is immutable.
func (s *Service) Update(ctx context.Context, auctionID, vendorID uuid.UUID, p UpdateParams) (*domain.Auction, error) {
	var a *domain.Auction
	err := store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		a, err = s.lockTx(tx, auctionID)
		if err != nil {
			return err
		}
		if a.VendorID != vendorID {
			return fmt.Errorf("only the vendor may edit auction %s: %w", auctionID, domain.ErrUnauthorized)
		}
		if !a.IsActive {
			return fmt.Errorf("auction %s is closed: %w", auctionID, domain.ErrInvalidState)
		}
		if a.BidCount > 0 || time.Now().After(a.StartTime) {
			return fmt.Errorf("auction %s has started, listing is locked: %w", auctionID, domain.ErrInvalidState)
		}

		if p.Title != nil {
			if *p.Title == "" {
				return fmt.Errorf("title is required: %w", domain.ErrValidation)
			}
			a.Title = *p.Title
		}
		if p.EndTime != nil {
			if !p.EndTime.After(a.StartTime) {
				return fmt.Errorf("end time must be after start time: %w", domain.ErrValidation)
			}
			a.EndTime = *p.EndTime
		}

		_, err = tx.Exec(`UPDATE auctions SET title = $1, end_time = $2 WHERE id = $3`,
			a.Title, a.EndTime, a.ID)
		if err != nil {
			return fmt.Errorf("failed to update auction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) lockTx(tx *sql.Tx, auctionID uuid.UUID) (*domain.Auction, error) {
	return scanAuction(tx.QueryRow(selectAuction+` WHERE id = $1 FOR UPDATE`, auctionID), auctionID)
}

// closeOutcome is what the settlement unit of work produced, carried out of
// the transaction so events publish only after commit.
type closeOutcome struct {
	auction  *domain.Auction
	winner   *domain.Bid
	esc      *domain.Escrow
	refunded []domain.Bid
}

// Close settles an ended auction exactly once. force allows an admin to
// close before end time. The is_active flip is a compare-and-set gate:
// concurrent closers lose the race and get ErrConflict. Settlement runs in
// one unit of work; on failure the flip is reverted so the scheduler can
// retry.
func (s *Service) Close(ctx context.Context, auctionID uuid.UUID, force bool) (*domain.Auction, error) {
	a, err := s.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, fmt.Errorf("auction %s already closed: %w", auctionID, domain.ErrConflict)
	}
	if !force && time.Now().Before(a.EndTime) {
		return nil, fmt.Errorf("auction %s has not ended: %w", auctionID, domain.ErrValidation)
	}

	endedAt := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE auctions SET is_active = FALSE, ended_at = $1 WHERE id = $2 AND is_active`,
		endedAt, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to close auction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("auction %s already closed: %w", auctionID, domain.ErrConflict)
	}

	outcome, err := s.settle(ctx, auctionID)
	if err != nil {
		if _, revertErr := s.db.ExecContext(ctx,
			`UPDATE auctions SET is_active = TRUE, ended_at = NULL WHERE id = $1`, auctionID); revertErr != nil {
			log.Printf("auction: failed to revert close of %s after settlement error: %v", auctionID, revertErr)
		}
		return nil, fmt.Errorf("settlement of auction %s failed: %w", auctionID, err)
	}

	if len(outcome.refunded) > 0 {
		log.Printf("auction: %s closed, refunded %d losing bids", auctionID, len(outcome.refunded))
	}
	s.publishClose(ctx, outcome, endedAt)
	return outcome.auction, nil
}

// settle runs the post-close bookkeeping: pick the winner, capture their
// hold into a new escrow, refund every other surviving bid, and open the
// delivery confirmation.
func (s *Service) settle(ctx context.Context, auctionID uuid.UUID) (*closeOutcome, error) {
	var out closeOutcome
	err := store.RunSerializable(ctx, s.db, func(tx *sql.Tx) error {
		a, err := s.lockTx(tx, auctionID)
		if err != nil {
			return err
		}
		out.auction = a

		winner, err := s.bids.SetWinningBidTx(tx, auctionID)
		if err != nil {
			return err
		}
		out.winner = winner

		active, err := s.bids.ActiveBidsTx(tx, auctionID)
		if err != nil {
			return err
		}

		if winner == nil {
			// No sale: everything already refunded on retraction, the
			// listing just ends.
			return nil
		}

		a.HighestBidderID = &winner.BidderID
		a.WinningBidAmount = winner.Amount
		if _, err := tx.Exec(
			`UPDATE auctions SET highest_bidder_id = $1, winning_bid_amount = $2 WHERE id = $3`,
			winner.BidderID, winner.Amount, a.ID); err != nil {
			return fmt.Errorf("failed to record winning bid: %w", err)
		}

		esc, err := s.escrows.CreateTx(tx, a)
		if err != nil {
			return err
		}
		out.esc = esc

		for _, b := range active {
			if b.ID == winner.ID {
				continue
			}
			if err := s.ledger.ReleaseHoldTx(tx, b.BidderID, auctionID, b.Amount, decimal.Zero); err != nil {
				return err
			}
			out.refunded = append(out.refunded, b)
		}

		_, err = s.deliveries.CreateTx(tx, a, winner.BidderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) publishClose(ctx context.Context, out *closeOutcome, endedAt time.Time) {
	if s.events == nil {
		return
	}

	if out.winner == nil {
		event := messaging.AuctionClosedEvent{
			AuctionID: out.auction.ID,
			VendorID:  out.auction.VendorID,
			ClosedAt:  endedAt,
		}
		if err := s.events.Publish(ctx, messaging.SubjectAuctionNoSale, event); err != nil {
			log.Printf("auction: failed to publish no-sale for %s: %v", out.auction.ID, err)
		}
		return
	}

	event := messaging.AuctionClosedEvent{
		AuctionID:     out.auction.ID,
		VendorID:      out.auction.VendorID,
		WinnerID:      &out.winner.BidderID,
		WinningAmount: out.winner.Amount.String(),
		ClosedAt:      endedAt,
	}
	if out.esc != nil {
		event.EscrowID = &out.esc.ID
	}
	if err := s.events.Publish(ctx, messaging.SubjectAuctionClosed, event); err != nil {
		log.Printf("auction: failed to publish close for %s: %v", out.auction.ID, err)
	}
	if out.esc != nil {
		escEvent := messaging.EscrowEvent{
			EscrowID:    out.esc.ID,
			AuctionID:   out.esc.AuctionID,
			BuyerID:     out.esc.BuyerID,
			VendorID:    out.esc.VendorID,
			TokenAmount: out.esc.TokenAmount.String(),
			Status:      out.esc.Status,
			Timestamp:   time.Now(),
		}
		if err := s.events.Publish(ctx, messaging.SubjectEscrowCreated, escEvent); err != nil {
			log.Printf("auction: failed to publish escrow created for %s: %v", out.auction.ID, err)
		}
	}
}

// Resettle re-runs the settlement unit of work for an auction that was
// flipped closed but never settled (a crash between the flip and the
// settle transaction, or a failed revert). Settlement is guarded by the
// escrow uniqueness check, so a lost race with a concurrent settle fails
// cleanly instead of double-paying.
func (s *Service) Resettle(ctx context.Context, auctionID uuid.UUID) error {
	a, err := s.Get(ctx, auctionID)
	if err != nil {
		return err
	}
	if a.IsActive || a.EndedAt == nil {
		return fmt.Errorf("auction %s is not closed: %w", auctionID, domain.ErrInvalidState)
	}

	outcome, err := s.settle(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("resettlement of auction %s failed: %w", auctionID, err)
	}
	s.publishClose(ctx, outcome, *a.EndedAt)
	return nil
}

// UnsettledIDs returns auctions that were flipped closed but have no
// escrow despite a recorded highest bidder: settlement never committed.
// The recovery sweep retries these, since ExpiredIDs only sees active
// listings.
func (s *Service) UnsettledIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id FROM auctions a
		 WHERE NOT a.is_active AND a.ended_at IS NOT NULL AND a.highest_bidder_id IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM escrows e WHERE e.auction_id = a.id)
		 ORDER BY a.ended_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsettled auctions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpiredIDs returns active auctions whose end time has passed, for the
// scheduler sweep.
func (s *Service) ExpiredIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM auctions WHERE is_active AND end_time <= NOW() ORDER BY end_time ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired auctions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
