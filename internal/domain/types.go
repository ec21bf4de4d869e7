package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds a user's token balances. Tokens committed to open bids sit
// in Escrowed; both balances are non-negative at all times.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Escrowed  decimal.Decimal `json:"escrowed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Version   int             `json:"-"`
}

// Auction statuses are derived: scheduled before StartTime, active between
// StartTime and EndTime while IsActive, closed once IsActive is flipped.
type Auction struct {
	ID               uuid.UUID       `json:"id"`
	VendorID         uuid.UUID       `json:"vendor_id"`
	Title            string          `json:"title"`
	StartingPrice    decimal.Decimal `json:"starting_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	HighestBidderID  *uuid.UUID      `json:"highest_bidder_id,omitempty"`
	BidCount         int             `json:"bid_count"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	IsActive         bool            `json:"is_active"`
	IsDigital        bool            `json:"is_digital"`
	DeliveryRequired bool            `json:"delivery_required"`
	WinningBidAmount decimal.Decimal `json:"winning_bid_amount"`
	CreatedAt        time.Time       `json:"created_at"`
}

const (
	BidStatusPending    = "pending"
	BidStatusActive     = "active"
	BidStatusRetracted  = "retracted"
	BidStatusSuperseded = "superseded"
)

type Bid struct {
	ID                uuid.UUID       `json:"id"`
	AuctionID         uuid.UUID       `json:"auction_id"`
	BidderID          uuid.UUID       `json:"bidder_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
	IsWinningBid      bool            `json:"is_winning_bid"`
	FlaggedForReview  bool            `json:"flagged_for_review"`
	IsRetracted       bool            `json:"is_retracted"`
	RetractionPenalty decimal.Decimal `json:"retraction_penalty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

const (
	EscrowStatusHeld     = "HELD"
	EscrowStatusReleased = "RELEASED"
	EscrowStatusRefunded = "REFUNDED"
	EscrowStatusDisputed = "DISPUTED"
	EscrowStatusResolved = "RESOLVED" // terminal variant for partial splits
)

// Escrow holds a winning bid's tokens until released, refunded or split.
// RELEASED, REFUNDED and RESOLVED are terminal.
type Escrow struct {
	ID            uuid.UUID       `json:"id"`
	AuctionID     uuid.UUID       `json:"auction_id"`
	BuyerID       uuid.UUID       `json:"buyer_id"`
	VendorID      uuid.UUID       `json:"vendor_id"`
	TokenAmount   decimal.Decimal `json:"token_amount"`
	Status        string          `json:"status"`
	ReleaseReason string          `json:"release_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ReleasedAt    *time.Time      `json:"released_at,omitempty"`
}

const (
	DeliveryStatusPendingShipment = "PENDING_SHIPMENT"
	DeliveryStatusPendingDelivery = "PENDING_DELIVERY"
	DeliveryStatusShipped         = "SHIPPED"
	DeliveryStatusDelivered       = "DELIVERED"
	DeliveryStatusDisputed        = "DISPUTED"
	DeliveryStatusCancelled       = "CANCELLED"
)

type DeliveryConfirmation struct {
	ID          uuid.UUID  `json:"id"`
	AuctionID   uuid.UUID  `json:"auction_id"`
	VendorID    uuid.UUID  `json:"vendor_id"`
	BuyerID     uuid.UUID  `json:"buyer_id"`
	Status      string     `json:"status"`
	Carrier     string     `json:"carrier,omitempty"`
	TrackingRef string     `json:"tracking_ref,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

const (
	DisputeStatusOpen        = "OPEN"
	DisputeStatusUnderReview = "UNDER_REVIEW"
	DisputeStatusResolved    = "RESOLVED"
)

type Dispute struct {
	ID             uuid.UUID  `json:"id"`
	AuctionID      uuid.UUID  `json:"auction_id"`
	EscrowID       uuid.UUID  `json:"escrow_id"`
	RaisedBy       uuid.UUID  `json:"raised_by"`
	Against        uuid.UUID  `json:"against"`
	Reason         string     `json:"reason"`
	Status         string     `json:"status"`
	AssignedAdmin  *uuid.UUID `json:"assigned_admin,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type DisputeEvidence struct {
	ID          uuid.UUID `json:"id"`
	DisputeID   uuid.UUID `json:"dispute_id"`
	SubmittedBy uuid.UUID `json:"submitted_by"`
	Description string    `json:"description"`
	AttachedRef string    `json:"attached_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResolutionAction is the closed set of dispute outcomes.
type ResolutionAction int

const (
	ResolutionReleaseToVendor ResolutionAction = iota
	ResolutionRefundBuyer
	ResolutionPartialRefund
)

func (a ResolutionAction) String() string {
	switch a {
	case ResolutionReleaseToVendor:
		return "RELEASE_TO_VENDOR"
	case ResolutionRefundBuyer:
		return "REFUND_BUYER"
	case ResolutionPartialRefund:
		return "PARTIAL_REFUND"
	default:
		return "UNKNOWN"
	}
}

// Resolution is a decided dispute outcome. Ratio is the buyer's share and is
// only meaningful for ResolutionPartialRefund.
type Resolution struct {
	Action ResolutionAction
	Ratio  decimal.Decimal
	Notes  string
}

// Token transaction (ledger entry) types.
const (
	TxTypeEscrowHold = "ESCROW_HOLD"
	TxTypePayout     = "PAYOUT_VENDOR"
	TxTypeRefund     = "ESCROW_REFUND"
	TxTypeFee        = "PLATFORM_FEE"
	TxTypePenalty    = "PENALTY"
	TxTypePurchase   = "PURCHASE"
	TxTypeSell       = "SELL"
)

const (
	TxStatusPending = "PENDING"
	TxStatusSuccess = "SUCCESS"
	TxStatusFailed  = "FAILED"
)

// TokenTransaction is an append-only ledger entry. Content never changes
// after insert; only Status may move PENDING -> SUCCESS/FAILED, and Frozen
// may be toggled while the linked escrow is under dispute.
type TokenTransaction struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	AuctionID *uuid.UUID      `json:"auction_id,omitempty"`
	EscrowID  *uuid.UUID      `json:"escrow_id,omitempty"`
	Frozen    bool            `json:"frozen"`
	Memo      string          `json:"memo,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
