// Package bidding accepts and retracts bids. Acceptance is linearized per
// auction: the auction row is locked for the duration of the unit of work,
// and a bid that loses a serialization race surfaces a stale-price
// conflict rather than partially applying.
package bidding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/history"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

type Engine struct {
	db      *sql.DB
	ledger  *ledger.Ledger
	rdb     *redis.Client
	events  *messaging.Client
	history *history.Recorder
	cfg     domain.SettlementConfig
}

func NewEngine(db *sql.DB, l *ledger.Ledger, rdb *redis.Client, events *messaging.Client,
	hist *history.Recorder, cfg domain.SettlementConfig) *Engine {
	return &Engine{db: db, ledger: l, rdb: rdb, events: events, history: hist, cfg: cfg}
}

func cooldownKey(auctionID, bidderID uuid.UUID) string {
	return "bid:cooldown:" + auctionID.String() + ":" + bidderID.String()
}

func priceKey(auctionID uuid.UUID) string {
	return "auction:price:" + auctionID.String()
}

// PlaceBid validates and accepts a bid. Balance debit, bid creation and
// auction update commit together or not at all.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (*domain.Bid, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("bid amount must be positive: %w", domain.ErrValidation)
	}

	// Fast-path cooldown check. Redis being down degrades to the
	// authoritative in-transaction check below.
	if e.rdb != nil {
		if err := e.rdb.Get(ctx, cooldownKey(auctionID, bidderID)).Err(); err == nil {
			return nil, fmt.Errorf("bidder %s on auction %s: %w", bidderID, auctionID, domain.ErrRateLimited)
		} else if !errors.Is(err, redis.Nil) {
			log.Printf("bidding: redis cooldown check failed: %v", err)
		}
	}

	var (
		bid           *domain.Bid
		previousPrice decimal.Decimal
		previousTop   *uuid.UUID
		endTime       time.Time
		extended      bool
	)

	err := store.RunSerializable(ctx, e.db, func(tx *sql.Tx) error {
		auction, err := lockAuctionTx(tx, auctionID)
		if err != nil {
			return err
		}

		now := time.Now()
		if !auction.IsActive {
			return fmt.Errorf("auction %s is closed: %w", auctionID, domain.ErrInvalidState)
		}
		if now.Before(auction.StartTime) {
			return fmt.Errorf("auction %s has not started: %w", auctionID, domain.ErrInvalidState)
		}
		if now.After(auction.EndTime) {
			return fmt.Errorf("auction %s has ended: %w", auctionID, domain.ErrInvalidState)
		}
		if auction.VendorID == bidderID {
			return fmt.Errorf("vendor cannot bid on own auction: %w", domain.ErrValidation)
		}

		minNext := MinimumNextBid(auction.CurrentPrice, e.cfg.MinIncrement)
		if amount.LessThan(minNext) {
			return fmt.Errorf("bid %s below minimum %s: %w", amount, minNext, domain.ErrValidation)
		}

		// Authoritative cooldown check.
		var lastBidAt time.Time
		err = tx.QueryRow(
			`SELECT created_at FROM bids WHERE auction_id = $1 AND bidder_id = $2
			 ORDER BY created_at DESC LIMIT 1`,
			auctionID, bidderID,
		).Scan(&lastBidAt)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check bid cooldown: %w", err)
		}
		if err == nil && now.Sub(lastBidAt) < e.cfg.BidCooldown {
			return fmt.Errorf("bidder %s on auction %s: %w", bidderID, auctionID, domain.ErrRateLimited)
		}

		// Dissolve the bidder's own earlier hold before placing the new
		// one so a raising bidder never has two active holds on the same
		// auction.
		if err := e.supersedeOwnBidTx(tx, auctionID, bidderID); err != nil {
			return err
		}

		if _, err := e.ledger.HoldTx(tx, bidderID, auctionID, amount); err != nil {
			return err
		}

		bid = &domain.Bid{
			ID:                uuid.New(),
			AuctionID:         auctionID,
			BidderID:          bidderID,
			Amount:            amount,
			Status:            domain.BidStatusPending,
			FlaggedForReview:  SuspiciousJump(amount, auction.CurrentPrice, e.cfg.SuspiciousJumpMultiplier),
			RetractionPenalty: decimal.Zero,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		_, err = tx.Exec(
			`INSERT INTO bids (id, auction_id, bidder_id, amount, status, is_winning_bid, flagged_for_review, is_retracted, retraction_penalty, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			bid.ID, bid.AuctionID, bid.BidderID, bid.Amount, bid.Status,
			bid.IsWinningBid, bid.FlaggedForReview, bid.IsRetracted,
			bid.RetractionPenalty, bid.CreatedAt, bid.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}

		_, err = tx.Exec(`UPDATE bids SET status = $1, updated_at = $2 WHERE id = $3`,
			domain.BidStatusActive, time.Now(), bid.ID)
		if err != nil {
			return fmt.Errorf("failed to activate bid: %w", err)
		}
		bid.Status = domain.BidStatusActive

		previousPrice = auction.CurrentPrice
		previousTop = auction.HighestBidderID

		endTime, extended = ExtendedDeadline(auction.EndTime, now, e.cfg.AntiSnipeWindow)
		_, err = tx.Exec(
			`UPDATE auctions SET current_price = $1, highest_bidder_id = $2, bid_count = bid_count + 1, end_time = $3
			 WHERE id = $4`,
			amount, bidderID, endTime, auctionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update auction: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrSerialization) {
			return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrStalePrice)
		}
		return nil, err
	}

	e.afterBid(ctx, bid, previousPrice, previousTop, endTime, extended)
	return bid, nil
}

// supersedeOwnBidTx retires the bidder's earlier active bid, if any, and
// returns its full hold to the available balance.
func (e *Engine) supersedeOwnBidTx(tx *sql.Tx, auctionID, bidderID uuid.UUID) error {
	var prevID uuid.UUID
	var prevAmount decimal.Decimal
	err := tx.QueryRow(
		`SELECT id, amount FROM bids
		 WHERE auction_id = $1 AND bidder_id = $2 AND status = $3 FOR UPDATE`,
		auctionID, bidderID, domain.BidStatusActive,
	).Scan(&prevID, &prevAmount)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find prior bid: %w", err)
	}

	if err := e.ledger.ReleaseHoldTx(tx, bidderID, auctionID, prevAmount, decimal.Zero); err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE bids SET status = $1, updated_at = $2 WHERE id = $3`,
		domain.BidStatusSuperseded, time.Now(), prevID)
	if err != nil {
		return fmt.Errorf("failed to supersede bid: %w", err)
	}
	return nil
}

// afterBid runs the best-effort post-commit side effects: cooldown marker,
// price cache, events, price history. None of them can undo the bid.
func (e *Engine) afterBid(ctx context.Context, bid *domain.Bid, previousPrice decimal.Decimal,
	previousTop *uuid.UUID, endTime time.Time, extended bool) {
	if e.rdb != nil {
		if err := e.rdb.Set(ctx, cooldownKey(bid.AuctionID, bid.BidderID), 1, e.cfg.BidCooldown).Err(); err != nil {
			log.Printf("bidding: failed to set cooldown marker: %v", err)
		}
		if err := e.rdb.Set(ctx, priceKey(bid.AuctionID), bid.Amount.String(), 0).Err(); err != nil {
			log.Printf("bidding: failed to cache price: %v", err)
		}
	}

	if e.events != nil {
		event := messaging.BidEvent{
			BidID:         bid.ID,
			AuctionID:     bid.AuctionID,
			BidderID:      bid.BidderID,
			Amount:        bid.Amount.String(),
			PreviousPrice: previousPrice.String(),
			EndTime:       endTime,
			Extended:      extended,
			Timestamp:     bid.CreatedAt,
		}
		if err := e.events.Publish(ctx, messaging.SubjectBidPlaced, event); err != nil {
			log.Printf("bidding: failed to publish bid event: %v", err)
		}
		if previousTop != nil && *previousTop != bid.BidderID {
			outbid := event
			outbid.BidderID = *previousTop
			if err := e.events.Publish(ctx, messaging.SubjectBidOutbid, outbid); err != nil {
				log.Printf("bidding: failed to publish outbid event: %v", err)
			}
		}
	}

	if e.history != nil {
		e.history.RecordBid(ctx, bid.AuctionID, bid.BidderID, bid.Amount, bid.CreatedAt)
	}
}

// RetractBid withdraws a bid before the auction ends. The bidder pays
// max(10%, floor); the remainder returns to the available balance and the
// escrow hold dissolves. If the retracted bid led the auction, the highest
// remaining bid takes over, or the price reverts to the starting price.
func (e *Engine) RetractBid(ctx context.Context, bidID, requesterID uuid.UUID) (*domain.Bid, error) {
	var bid *domain.Bid

	err := store.RunSerializable(ctx, e.db, func(tx *sql.Tx) error {
		// Lock ordering matches PlaceBid: auction row first, then the bid.
		var auctionID uuid.UUID
		err := tx.QueryRow(`SELECT auction_id FROM bids WHERE id = $1`, bidID).Scan(&auctionID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("bid %s: %w", bidID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to find bid: %w", err)
		}

		auction, err := lockAuctionTx(tx, auctionID)
		if err != nil {
			return err
		}

		bid, err = lockBidTx(tx, bidID)
		if err != nil {
			return err
		}
		if bid.BidderID != requesterID {
			return fmt.Errorf("only the bidder may retract: %w", domain.ErrUnauthorized)
		}
		if bid.IsRetracted || bid.Status == domain.BidStatusRetracted {
			return fmt.Errorf("bid %s already retracted: %w", bidID, domain.ErrConflict)
		}
		if bid.Status == domain.BidStatusSuperseded {
			return fmt.Errorf("bid %s was superseded: %w", bidID, domain.ErrInvalidState)
		}

		now := time.Now()
		if !auction.IsActive || now.After(auction.EndTime) {
			return fmt.Errorf("auction %s already ended: %w", bid.AuctionID, domain.ErrInvalidState)
		}

		penalty := RetractionPenalty(bid.Amount, e.cfg.RetractionPenaltyRate, e.cfg.RetractionPenaltyFloor)
		if penalty.GreaterThan(bid.Amount) {
			penalty = bid.Amount
		}
		refund := bid.Amount.Sub(penalty)

		if err := e.ledger.ReleaseHoldTx(tx, bid.BidderID, bid.AuctionID, refund, penalty); err != nil {
			return err
		}

		_, err = tx.Exec(
			`UPDATE bids SET status = $1, is_retracted = TRUE, retraction_penalty = $2, updated_at = $3 WHERE id = $4`,
			domain.BidStatusRetracted, penalty, now, bid.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to retract bid: %w", err)
		}
		bid.Status = domain.BidStatusRetracted
		bid.IsRetracted = true
		bid.RetractionPenalty = penalty

		if auction.HighestBidderID != nil && *auction.HighestBidderID == bid.BidderID {
			if err := e.recomputeHighestTx(tx, auction); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.events != nil {
		event := messaging.BidEvent{
			BidID:     bid.ID,
			AuctionID: bid.AuctionID,
			BidderID:  bid.BidderID,
			Amount:    bid.Amount.String(),
			Timestamp: time.Now(),
		}
		if err := e.events.Publish(ctx, messaging.SubjectBidRetracted, event); err != nil {
			log.Printf("bidding: failed to publish retraction event: %v", err)
		}
	}
	return bid, nil
}

// recomputeHighestTx re-derives current price and highest bidder from the
// remaining active bids after a leading bid is retracted.
func (e *Engine) recomputeHighestTx(tx *sql.Tx, auction *domain.Auction) error {
	var topBidder uuid.UUID
	var topAmount decimal.Decimal
	err := tx.QueryRow(
		`SELECT bidder_id, amount FROM bids
		 WHERE auction_id = $1 AND status = $2 AND NOT is_retracted
		 ORDER BY amount DESC, created_at ASC LIMIT 1`,
		auction.ID, domain.BidStatusActive,
	).Scan(&topBidder, &topAmount)

	if err == sql.ErrNoRows {
		_, err = tx.Exec(
			`UPDATE auctions SET current_price = $1, highest_bidder_id = NULL WHERE id = $2`,
			auction.StartingPrice, auction.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to reset auction price: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find next highest bid: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE auctions SET current_price = $1, highest_bidder_id = $2 WHERE id = $3`,
		topAmount, topBidder, auction.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction price: %w", err)
	}
	return nil
}

// SetWinningBidTx marks the single highest active bid as the winner and
// clears the flag everywhere else. Idempotent: repeated calls converge on
// the same row. Returns nil when the auction had no surviving bids.
func (e *Engine) SetWinningBidTx(tx *sql.Tx, auctionID uuid.UUID) (*domain.Bid, error) {
	if _, err := tx.Exec(
		`UPDATE bids SET is_winning_bid = FALSE, updated_at = $1
		 WHERE auction_id = $2 AND is_winning_bid`,
		time.Now(), auctionID,
	); err != nil {
		return nil, fmt.Errorf("failed to clear winning flags: %w", err)
	}

	var bid domain.Bid
	err := tx.QueryRow(
		`SELECT id, auction_id, bidder_id, amount, status, is_winning_bid, flagged_for_review, is_retracted, retraction_penalty, created_at, updated_at
		 FROM bids WHERE auction_id = $1 AND status = $2 AND NOT is_retracted
		 ORDER BY amount DESC, created_at ASC LIMIT 1`,
		auctionID, domain.BidStatusActive,
	).Scan(&bid.ID, &bid.AuctionID, &bid.BidderID, &bid.Amount, &bid.Status,
		&bid.IsWinningBid, &bid.FlaggedForReview, &bid.IsRetracted,
		&bid.RetractionPenalty, &bid.CreatedAt, &bid.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select winning bid: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE bids SET is_winning_bid = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now(), bid.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to mark winning bid: %w", err)
	}
	bid.IsWinningBid = true
	return &bid, nil
}

// ActiveBidsTx lists the surviving bids for an auction, used by the close
// path to refund everyone but the winner.
func (e *Engine) ActiveBidsTx(tx *sql.Tx, auctionID uuid.UUID) ([]domain.Bid, error) {
	rows, err := tx.Query(
		`SELECT id, auction_id, bidder_id, amount, status, is_winning_bid, flagged_for_review, is_retracted, retraction_penalty, created_at, updated_at
		 FROM bids WHERE auction_id = $1 AND status = $2 AND NOT is_retracted
		 ORDER BY amount DESC, created_at ASC`,
		auctionID, domain.BidStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Status,
			&b.IsWinningBid, &b.FlaggedForReview, &b.IsRetracted,
			&b.RetractionPenalty, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// GetBid retrieves a bid.
func (e *Engine) GetBid(ctx context.Context, bidID uuid.UUID) (*domain.Bid, error) {
	var b domain.Bid
	err := e.db.QueryRowContext(ctx,
		`SELECT id, auction_id, bidder_id, amount, status, is_winning_bid, flagged_for_review, is_retracted, retraction_penalty, created_at, updated_at
		 FROM bids WHERE id = $1`, bidID,
	).Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Status,
		&b.IsWinningBid, &b.FlaggedForReview, &b.IsRetracted,
		&b.RetractionPenalty, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bid %s: %w", bidID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return &b, nil
}

func lockBidTx(tx *sql.Tx, bidID uuid.UUID) (*domain.Bid, error) {
	var b domain.Bid
	err := tx.QueryRow(
		`SELECT id, auction_id, bidder_id, amount, status, is_winning_bid, flagged_for_review, is_retracted, retraction_penalty, created_at, updated_at
		 FROM bids WHERE id = $1 FOR UPDATE`, bidID,
	).Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Status,
		&b.IsWinningBid, &b.FlaggedForReview, &b.IsRetracted,
		&b.RetractionPenalty, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bid %s: %w", bidID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock bid: %w", err)
	}
	return &b, nil
}

// lockAuctionTx is shared with the lifecycle package through the auctions
// table; bidding locks the row to linearize bid acceptance per auction.
func lockAuctionTx(tx *sql.Tx, auctionID uuid.UUID) (*domain.Auction, error) {
	var a domain.Auction
	err := tx.QueryRow(
		`SELECT id, vendor_id, title, starting_price, current_price, highest_bidder_id, bid_count,
		        start_time, end_time, ended_at, is_active, is_digital, delivery_required, winning_bid_amount, created_at
		 FROM auctions WHERE id = $1 FOR UPDATE`, auctionID,
	).Scan(&a.ID, &a.VendorID, &a.Title, &a.StartingPrice, &a.CurrentPrice,
		&a.HighestBidderID, &a.BidCount, &a.StartTime, &a.EndTime, &a.EndedAt,
		&a.IsActive, &a.IsDigital, &a.DeliveryRequired, &a.WinningBidAmount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock auction: %w", err)
	}
	return &a, nil
}
