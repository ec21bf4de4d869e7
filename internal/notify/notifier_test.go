package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

type recordingSender struct {
	failFirst int
	calls     int
	sent      []Notification
}

func (s *recordingSender) Send(_ context.Context, n Notification) error {
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, n)
	return nil
}

func TestRenderOutbid(t *testing.T) {
	bidder := uuid.New()
	data, _ := json.Marshal(messaging.BidEvent{
		BidID:     uuid.New(),
		AuctionID: uuid.New(),
		BidderID:  bidder,
		Amount:    "150",
	})

	notes, err := render(messaging.SubjectBidOutbid, data)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, bidder, notes[0].UserID)
	assert.Contains(t, notes[0].Body, "150")
}

func TestRenderAuctionClosed(t *testing.T) {
	vendor := uuid.New()
	winner := uuid.New()

	t.Run("with winner notifies both parties", func(t *testing.T) {
		data, _ := json.Marshal(messaging.AuctionClosedEvent{
			AuctionID:     uuid.New(),
			VendorID:      vendor,
			WinnerID:      &winner,
			WinningAmount: "300",
		})
		notes, err := render(messaging.SubjectAuctionClosed, data)
		require.NoError(t, err)
		require.Len(t, notes, 2)
		assert.Equal(t, vendor, notes[0].UserID)
		assert.Equal(t, winner, notes[1].UserID)
	})

	t.Run("no sale notifies only the vendor", func(t *testing.T) {
		data, _ := json.Marshal(messaging.AuctionClosedEvent{
			AuctionID: uuid.New(),
			VendorID:  vendor,
		})
		notes, err := render(messaging.SubjectAuctionNoSale, data)
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, vendor, notes[0].UserID)
	})
}

func TestRenderEscrowSettlement(t *testing.T) {
	buyer := uuid.New()
	vendor := uuid.New()

	data, _ := json.Marshal(messaging.EscrowEvent{
		EscrowID:     uuid.New(),
		AuctionID:    uuid.New(),
		BuyerID:      buyer,
		VendorID:     vendor,
		VendorAmount: "90",
		BuyerAmount:  "10",
		Status:       "RESOLVED",
	})
	notes, err := render(messaging.SubjectEscrowReleased, data)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, vendor, notes[0].UserID)
	assert.Equal(t, buyer, notes[1].UserID)
}

func TestRenderUnknownSubjectProducesNothing(t *testing.T) {
	notes, err := render("auctions.something.else", []byte(`{}`))
	assert.NoError(t, err)
	assert.Empty(t, notes)
}

func TestRenderMalformedPayload(t *testing.T) {
	_, err := render(messaging.SubjectBidOutbid, []byte(`{not json`))
	assert.Error(t, err)
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	sender := &recordingSender{failFirst: 2}
	n := &Notifier{sender: sender, maxRetries: 3, backoff: time.Millisecond}

	n.deliver(context.Background(), Notification{UserID: uuid.New(), Subject: "s", Body: "b"})

	assert.Equal(t, 3, sender.calls)
	assert.Len(t, sender.sent, 1)
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	sender := &recordingSender{failFirst: 10}
	n := &Notifier{sender: sender, maxRetries: 3, backoff: time.Millisecond}

	n.deliver(context.Background(), Notification{UserID: uuid.New(), Subject: "s", Body: "b"})

	assert.Equal(t, 3, sender.calls)
	assert.Empty(t, sender.sent)
}

func TestDeliverStopsOnContextCancel(t *testing.T) {
	sender := &recordingSender{failFirst: 10}
	n := &Notifier{sender: sender, maxRetries: 5, backoff: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.deliver(ctx, Notification{UserID: uuid.New()})

	assert.Equal(t, 1, sender.calls)
}
