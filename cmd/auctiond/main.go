// auctiond runs the auction close scheduler. Multiple instances elect a
// leader through etcd; only the leader sweeps expired auctions.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/delivery"
	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/escrow"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	dbURL := os.Getenv("DATABASE_URL")

	cfg := domain.DefaultSettlementConfig()
	if rate := os.Getenv("PLATFORM_FEE_RATE"); rate != "" {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			log.Fatalf("invalid PLATFORM_FEE_RATE: %v", err)
		}
		cfg.PlatformFeeRate = d
	}
	treasury, err := uuid.Parse(env("TREASURY_ACCOUNT_ID", ""))
	if err != nil {
		log.Fatalf("invalid TREASURY_ACCOUNT_ID: %v", err)
	}
	cfg.TreasuryAccountID = treasury

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(10)

	events, err := messaging.NewClient(messaging.Config{
		URL:            env("NATS_URL", "nats://localhost:4222"),
		Name:           "auctiond",
		ReconnectWait:  time.Second,
		MaxReconnects:  10,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer events.Close()

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(env("ETCD_ENDPOINTS", "localhost:2379"), ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer etcdClient.Close()

	led := ledger.NewLedger(db, cfg.TreasuryAccountID)
	escrows := escrow.NewManager(db, led, events, cfg)
	deliveries := delivery.NewTracker(db, escrows, events, cfg)
	// The scheduler never places bids; the engine is only here for the
	// winner selection at close, so redis and influx stay unwired.
	bids := bidding.NewEngine(db, led, nil, events, nil, cfg)
	auctions := auction.NewService(db, led, bids, escrows, deliveries, events, cfg)

	interval, err := time.ParseDuration(env("SWEEP_INTERVAL", "5s"))
	if err != nil {
		log.Fatalf("invalid SWEEP_INTERVAL: %v", err)
	}
	hostname, _ := os.Hostname()
	scheduler := auction.NewScheduler(auctions, etcdClient, interval, env("NODE_ID", hostname))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("auctiond shutting down")
		if err := events.Drain(); err != nil {
			log.Printf("failed to drain NATS: %v", err)
		}
		return db.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("auctiond exited: %v", err)
	}
}
