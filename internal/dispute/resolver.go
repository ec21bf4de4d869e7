// Package dispute handles contested settlements. A dispute freezes the
// escrow until an admin decides the outcome; the decision and its fund
// movements commit atomically.
package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/auctionhouse/internal/delivery"
	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/escrow"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

type Resolver struct {
	db         *sql.DB
	escrows    *escrow.Manager
	deliveries *delivery.Tracker
	events     *messaging.Client
	cfg        domain.SettlementConfig
}

func NewResolver(db *sql.DB, escrows *escrow.Manager, deliveries *delivery.Tracker, events *messaging.Client, cfg domain.SettlementConfig) *Resolver {
	return &Resolver{db: db, escrows: escrows, deliveries: deliveries, events: events, cfg: cfg}
}

const selectDispute = `SELECT id, auction_id, escrow_id, raised_by, against, reason, status, assigned_admin, resolution_note, created_at, resolved_at
 FROM disputes`

func scanDispute(row *sql.Row) (*domain.Dispute, error) {
	var d domain.Dispute
	err := row.Scan(&d.ID, &d.AuctionID, &d.EscrowID, &d.RaisedBy, &d.Against,
		&d.Reason, &d.Status, &d.AssignedAdmin, &d.ResolutionNote, &d.CreatedAt, &d.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dispute: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dispute: %w", err)
	}
	return &d, nil
}

// Raise opens a dispute on an escrow. Either party may raise while the
// escrow is HELD; after delivery only the buyer may contest, bounded by
// the dispute window the delivery tracker enforces, and the released
// payout is clawed back under escrow until resolution.
func (r *Resolver) Raise(ctx context.Context, auctionID, raisedBy uuid.UUID, reason string) (*domain.Dispute, error) {
	if reason == "" {
		return nil, fmt.Errorf("dispute reason is required: %w", domain.ErrValidation)
	}

	var d *domain.Dispute
	err := store.RunSerializable(ctx, r.db, func(tx *sql.Tx) error {
		esc, err := r.escrows.LockByAuctionTx(tx, auctionID)
		if err != nil {
			return err
		}

		var against uuid.UUID
		switch raisedBy {
		case esc.BuyerID:
			against = esc.VendorID
		case esc.VendorID:
			against = esc.BuyerID
		default:
			return fmt.Errorf("user %s is not a party to escrow %s: %w", raisedBy, esc.ID, domain.ErrUnauthorized)
		}

		if esc.Status == domain.EscrowStatusReleased && raisedBy == esc.VendorID {
			return fmt.Errorf("escrow %s already released to vendor: %w", esc.ID, domain.ErrInvalidState)
		}

		var open int
		err = tx.QueryRow(`SELECT COUNT(*) FROM disputes WHERE escrow_id = $1 AND status != $2`,
			esc.ID, domain.DisputeStatusResolved).Scan(&open)
		if err != nil {
			return fmt.Errorf("failed to check open disputes: %w", err)
		}
		if open > 0 {
			return fmt.Errorf("escrow %s already has an open dispute: %w", esc.ID, domain.ErrConflict)
		}

		if raisedBy == esc.BuyerID {
			if _, err := r.deliveries.OpenDisputeTx(tx, auctionID, raisedBy); err != nil {
				return err
			}
		}

		if _, err := r.escrows.MarkDisputedTx(tx, auctionID); err != nil {
			return err
		}

		d = &domain.Dispute{
			ID:        uuid.New(),
			AuctionID: auctionID,
			EscrowID:  esc.ID,
			RaisedBy:  raisedBy,
			Against:   against,
			Reason:    reason,
			Status:    domain.DisputeStatusOpen,
			CreatedAt: time.Now(),
		}
		_, err = tx.Exec(
			`INSERT INTO disputes (id, auction_id, escrow_id, raised_by, against, reason, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.AuctionID, d.EscrowID, d.RaisedBy, d.Against, d.Reason, d.Status, d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create dispute: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.publish(ctx, messaging.SubjectDisputeRaised, d, "")
	return d, nil
}

// Get returns a dispute by id.
func (r *Resolver) Get(ctx context.Context, disputeID uuid.UUID) (*domain.Dispute, error) {
	return scanDispute(r.db.QueryRowContext(ctx, selectDispute+` WHERE id = $1`, disputeID))
}

func (r *Resolver) lockTx(tx *sql.Tx, disputeID uuid.UUID) (*domain.Dispute, error) {
	return scanDispute(tx.QueryRow(selectDispute+` WHERE id = $1 FOR UPDATE`, disputeID))
}

// AddEvidence attaches a statement or reference from one of the parties.
// Evidence is accepted while the dispute is OPEN or UNDER_REVIEW.
func (r *Resolver) AddEvidence(ctx context.Context, disputeID, submittedBy uuid.UUID, description, attachedRef string) (*domain.DisputeEvidence, error) {
	if description == "" {
		return nil, fmt.Errorf("evidence description is required: %w", domain.ErrValidation)
	}

	var ev *domain.DisputeEvidence
	err := store.RunInTx(ctx, r.db, func(tx *sql.Tx) error {
		d, err := r.lockTx(tx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeStatusResolved {
			return fmt.Errorf("dispute %s is resolved: %w", d.ID, domain.ErrInvalidState)
		}
		if submittedBy != d.RaisedBy && submittedBy != d.Against {
			return fmt.Errorf("user %s is not a party to dispute %s: %w", submittedBy, d.ID, domain.ErrUnauthorized)
		}

		ev = &domain.DisputeEvidence{
			ID:          uuid.New(),
			DisputeID:   d.ID,
			SubmittedBy: submittedBy,
			Description: description,
			AttachedRef: attachedRef,
			CreatedAt:   time.Now(),
		}
		_, err = tx.Exec(
			`INSERT INTO dispute_evidence (id, dispute_id, submitted_by, description, attached_ref, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.DisputeID, ev.SubmittedBy, ev.Description, ev.AttachedRef, ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to add evidence: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvidence returns all evidence for a dispute, oldest first.
func (r *Resolver) ListEvidence(ctx context.Context, disputeID uuid.UUID) ([]*domain.DisputeEvidence, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, dispute_id, submitted_by, description, attached_ref, created_at
		 FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	var out []*domain.DisputeEvidence
	for rows.Next() {
		var ev domain.DisputeEvidence
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.SubmittedBy, &ev.Description, &ev.AttachedRef, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// AssignAdmin moves an OPEN dispute to UNDER_REVIEW.
func (r *Resolver) AssignAdmin(ctx context.Context, disputeID, adminID uuid.UUID) (*domain.Dispute, error) {
	var d *domain.Dispute
	err := store.RunInTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		d, err = r.lockTx(tx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != domain.DisputeStatusOpen {
			return fmt.Errorf("dispute %s is %s, expected OPEN: %w", d.ID, d.Status, domain.ErrInvalidState)
		}
		_, err = tx.Exec(`UPDATE disputes SET status = $1, assigned_admin = $2 WHERE id = $3`,
			domain.DisputeStatusUnderReview, adminID, d.ID)
		if err != nil {
			return fmt.Errorf("failed to assign admin: %w", err)
		}
		d.Status = domain.DisputeStatusUnderReview
		d.AssignedAdmin = &adminID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve applies an admin decision. The dispute record, the escrow
// settlement, the ledger entries and the delivery outcome commit in one
// unit of work; a resolved dispute is immutable.
func (r *Resolver) Resolve(ctx context.Context, disputeID, adminID uuid.UUID, res domain.Resolution) (*domain.Dispute, error) {
	var d *domain.Dispute
	err := store.RunSerializable(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		d, err = r.lockTx(tx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeStatusResolved {
			return fmt.Errorf("dispute %s already resolved: %w", d.ID, domain.ErrAlreadySettled)
		}

		reason := fmt.Sprintf("dispute %s: %s", d.ID, res.Action)
		releaseToVendor := false
		switch res.Action {
		case domain.ResolutionReleaseToVendor:
			releaseToVendor = true
			if _, err := r.escrows.ReleaseToVendorTx(tx, d.AuctionID, reason); err != nil {
				return err
			}
		case domain.ResolutionRefundBuyer:
			if _, err := r.escrows.RefundToBuyerTx(tx, d.AuctionID, reason); err != nil {
				return err
			}
		case domain.ResolutionPartialRefund:
			if _, err := r.escrows.PartialResolutionTx(tx, d.AuctionID, res.Ratio, reason); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown resolution action %d: %w", res.Action, domain.ErrValidation)
		}

		if _, err := r.deliveries.SettleTx(tx, d.AuctionID, releaseToVendor); err != nil {
			// No delivery record exists when the dispute predates close
			// bookkeeping; anything else is a real failure.
			if !isNotFound(err) {
				return err
			}
		}

		now := time.Now()
		_, err = tx.Exec(
			`UPDATE disputes SET status = $1, assigned_admin = $2, resolution_note = $3, resolved_at = $4 WHERE id = $5`,
			domain.DisputeStatusResolved, adminID, res.Notes, now, d.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve dispute: %w", err)
		}
		d.Status = domain.DisputeStatusResolved
		d.AssignedAdmin = &adminID
		d.ResolutionNote = res.Notes
		d.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.publish(ctx, messaging.SubjectDisputeResolved, d, res.Action.String())
	return d, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func (r *Resolver) publish(ctx context.Context, subject string, d *domain.Dispute, resolution string) {
	if r.events == nil {
		return
	}
	event := messaging.DisputeEvent{
		DisputeID:  d.ID,
		AuctionID:  d.AuctionID,
		EscrowID:   d.EscrowID,
		RaisedBy:   d.RaisedBy,
		Status:     d.Status,
		Resolution: resolution,
		Timestamp:  time.Now(),
	}
	if err := r.events.Publish(ctx, subject, event); err != nil {
		log.Printf("dispute: failed to publish %s for auction %s: %v", subject, d.AuctionID, err)
	}
}
