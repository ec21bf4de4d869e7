// Package history records accepted bids as time-series points so price
// history can be charted and queried without touching the settlement
// database.
package history

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/shopspring/decimal"
)

type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewRecorder connects to InfluxDB.
func NewRecorder(cfg Config) *Recorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// RecordBid writes one price point. Recording is best-effort: failures are
// logged and never affect bid acceptance.
func (r *Recorder) RecordBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal, at time.Time) {
	price, _ := amount.Float64()
	point := influxdb2.NewPoint("auction_price",
		map[string]string{
			"auction_id": auctionID.String(),
		},
		map[string]interface{}{
			"price":     price,
			"bidder_id": bidderID.String(),
		},
		at,
	)
	if err := r.write.WritePoint(ctx, point); err != nil {
		log.Printf("history: failed to write price point for auction %s: %v", auctionID, err)
	}
}

// Close releases the underlying client.
func (r *Recorder) Close() {
	r.client.Close()
}
