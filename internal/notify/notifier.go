// Package notify consumes settlement events and fans them out to users.
// Delivery is best-effort with bounded retries: a notification that keeps
// failing is logged and dropped, never retried forever.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

// Notification is the rendered message handed to a Sender.
type Notification struct {
	UserID  uuid.UUID
	Subject string
	Body    string
}

// Sender pushes one notification to one user (email, push, webhook).
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the process log. Used as the default
// sink and in development.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n Notification) error {
	log.Printf("notify: to=%s subject=%q body=%q", n.UserID, n.Subject, n.Body)
	return nil
}

type Notifier struct {
	events     *messaging.Client
	sender     Sender
	maxRetries int
	backoff    time.Duration
}

func NewNotifier(events *messaging.Client, sender Sender) *Notifier {
	return &Notifier{events: events, sender: sender, maxRetries: 3, backoff: 500 * time.Millisecond}
}

// Run subscribes to every auction and wallet subject in a queue group so
// horizontally scaled notifiers split the load. Blocks until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	const queue = "notifiers"
	if err := n.events.QueueSubscribe(messaging.SubjectAllAuctionEvents, queue, func(msg *nats.Msg) {
		n.handle(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to auction events: %w", err)
	}
	if err := n.events.QueueSubscribe("wallet.>", queue, func(msg *nats.Msg) {
		n.handle(ctx, msg)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to wallet events: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (n *Notifier) handle(ctx context.Context, msg *nats.Msg) {
	notes, err := render(msg.Subject, msg.Data)
	if err != nil {
		log.Printf("notify: dropping malformed event on %s: %v", msg.Subject, err)
		return
	}
	for _, note := range notes {
		n.deliver(ctx, note)
	}
}

// deliver retries with linear backoff, then gives up.
func (n *Notifier) deliver(ctx context.Context, note Notification) {
	var err error
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		if err = n.sender.Send(ctx, note); err == nil {
			return
		}
		select {
		case <-time.After(time.Duration(attempt) * n.backoff):
		case <-ctx.Done():
			return
		}
	}
	log.Printf("notify: giving up on notification to %s after %d attempts: %v",
		note.UserID, n.maxRetries, err)
}

// render maps one event to the notifications it implies. Unknown subjects
// produce nothing.
func render(subject string, data []byte) ([]Notification, error) {
	switch subject {
	case messaging.SubjectBidOutbid:
		var e messaging.BidEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return []Notification{{
			UserID:  e.BidderID,
			Subject: "You have been outbid",
			Body:    fmt.Sprintf("A higher bid of %s was placed on auction %s.", e.Amount, e.AuctionID),
		}}, nil

	case messaging.SubjectAuctionClosed:
		var e messaging.AuctionClosedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		notes := []Notification{{
			UserID:  e.VendorID,
			Subject: "Your auction sold",
			Body:    fmt.Sprintf("Auction %s closed at %s.", e.AuctionID, e.WinningAmount),
		}}
		if e.WinnerID != nil {
			notes = append(notes, Notification{
				UserID:  *e.WinnerID,
				Subject: "You won an auction",
				Body:    fmt.Sprintf("You won auction %s at %s. Funds are held in escrow until delivery.", e.AuctionID, e.WinningAmount),
			})
		}
		return notes, nil

	case messaging.SubjectAuctionNoSale:
		var e messaging.AuctionClosedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return []Notification{{
			UserID:  e.VendorID,
			Subject: "Your auction ended without a sale",
			Body:    fmt.Sprintf("Auction %s ended with no surviving bids.", e.AuctionID),
		}}, nil

	case messaging.SubjectEscrowReleased, messaging.SubjectEscrowRefunded:
		var e messaging.EscrowEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		var notes []Notification
		if e.VendorAmount != "" {
			notes = append(notes, Notification{
				UserID:  e.VendorID,
				Subject: "Escrow paid out",
				Body:    fmt.Sprintf("You received %s tokens for auction %s.", e.VendorAmount, e.AuctionID),
			})
		}
		if e.BuyerAmount != "" {
			notes = append(notes, Notification{
				UserID:  e.BuyerID,
				Subject: "Escrow refunded",
				Body:    fmt.Sprintf("You were refunded %s tokens for auction %s.", e.BuyerAmount, e.AuctionID),
			})
		}
		return notes, nil

	case messaging.SubjectDeliveryShipped:
		var e messaging.DeliveryEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return []Notification{{
			UserID:  e.BuyerID,
			Subject: "Your item shipped",
			Body:    fmt.Sprintf("Auction %s shipped, tracking %s.", e.AuctionID, e.TrackingRef),
		}}, nil

	case messaging.SubjectDisputeRaised, messaging.SubjectDisputeResolved:
		var e messaging.DisputeEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		body := fmt.Sprintf("Dispute %s on auction %s is now %s.", e.DisputeID, e.AuctionID, e.Status)
		if e.Resolution != "" {
			body = fmt.Sprintf("Dispute %s on auction %s resolved: %s.", e.DisputeID, e.AuctionID, e.Resolution)
		}
		return []Notification{{UserID: e.RaisedBy, Subject: "Dispute update", Body: body}}, nil
	}

	return nil, nil
}
