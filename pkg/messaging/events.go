package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects for settlement domain events. All events are published after the
// owning transaction commits; consumers must tolerate at-least-once delivery.
const (
	SubjectBidPlaced    = "auctions.bid.placed"
	SubjectBidRetracted = "auctions.bid.retracted"
	SubjectBidOutbid    = "auctions.bid.outbid"

	SubjectAuctionClosed  = "auctions.closed"
	SubjectAuctionNoSale  = "auctions.no_sale"
	SubjectEscrowCreated  = "auctions.escrow.created"
	SubjectEscrowReleased = "auctions.escrow.released"
	SubjectEscrowRefunded = "auctions.escrow.refunded"
	SubjectEscrowDisputed = "auctions.escrow.disputed"

	SubjectDeliveryShipped   = "auctions.delivery.shipped"
	SubjectDeliveryConfirmed = "auctions.delivery.confirmed"

	SubjectDisputeRaised   = "auctions.dispute.raised"
	SubjectDisputeResolved = "auctions.dispute.resolved"

	SubjectTokensPurchased = "wallet.tokens.purchased"
	SubjectTokensSold      = "wallet.tokens.sold"
)

// SubjectAllAuctionEvents matches every auction event for fan-out consumers
// (notifier, websocket hub).
const SubjectAllAuctionEvents = "auctions.>"

// BidEvent is published on every accepted bid and retraction.
type BidEvent struct {
	BidID         uuid.UUID `json:"bid_id"`
	AuctionID     uuid.UUID `json:"auction_id"`
	BidderID      uuid.UUID `json:"bidder_id"`
	Amount        string    `json:"amount"`
	PreviousPrice string    `json:"previous_price,omitempty"`
	EndTime       time.Time `json:"end_time"`
	Extended      bool      `json:"extended"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuctionClosedEvent is published once per auction after close commits.
type AuctionClosedEvent struct {
	AuctionID     uuid.UUID  `json:"auction_id"`
	VendorID      uuid.UUID  `json:"vendor_id"`
	WinnerID      *uuid.UUID `json:"winner_id,omitempty"`
	WinningAmount string     `json:"winning_amount,omitempty"`
	EscrowID      *uuid.UUID `json:"escrow_id,omitempty"`
	ClosedAt      time.Time  `json:"closed_at"`
}

// EscrowEvent is published on escrow creation and every terminal transition.
type EscrowEvent struct {
	EscrowID     uuid.UUID `json:"escrow_id"`
	AuctionID    uuid.UUID `json:"auction_id"`
	BuyerID      uuid.UUID `json:"buyer_id"`
	VendorID     uuid.UUID `json:"vendor_id"`
	TokenAmount  string    `json:"token_amount"`
	VendorAmount string    `json:"vendor_amount,omitempty"`
	BuyerAmount  string    `json:"buyer_amount,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeliveryEvent tracks shipment state changes.
type DeliveryEvent struct {
	AuctionID   uuid.UUID `json:"auction_id"`
	VendorID    uuid.UUID `json:"vendor_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	Status      string    `json:"status"`
	TrackingRef string    `json:"tracking_ref,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DisputeEvent tracks dispute lifecycle changes.
type DisputeEvent struct {
	DisputeID  uuid.UUID `json:"dispute_id"`
	AuctionID  uuid.UUID `json:"auction_id"`
	EscrowID   uuid.UUID `json:"escrow_id"`
	RaisedBy   uuid.UUID `json:"raised_by"`
	Status     string    `json:"status"`
	Resolution string    `json:"resolution,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WalletEvent tracks fiat on/off ramp outcomes.
type WalletEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	AccountID     uuid.UUID `json:"account_id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}
