package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/auth"
	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/delivery"
	"github.com/terminal-bench/auctionhouse/internal/dispute"
	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/escrow"
	"github.com/terminal-bench/auctionhouse/internal/gateway"
	"github.com/terminal-bench/auctionhouse/internal/history"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/payments"
	"github.com/terminal-bench/auctionhouse/pkg/circuit"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDecimal(key, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(env(key, fallback))
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}

func envDuration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(env(key, fallback))
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}

func settlementFromEnv() domain.SettlementConfig {
	cfg := domain.DefaultSettlementConfig()
	cfg.MinIncrement = envDecimal("MIN_BID_INCREMENT", "0.05")
	cfg.PlatformFeeRate = envDecimal("PLATFORM_FEE_RATE", "0.10")
	cfg.RetractionPenaltyRate = envDecimal("RETRACTION_PENALTY_RATE", "0.10")
	cfg.RetractionPenaltyFloor = envDecimal("RETRACTION_PENALTY_FLOOR", "1")
	cfg.SuspiciousJumpMultiplier = envDecimal("SUSPICIOUS_JUMP_MULTIPLIER", "3.0")
	cfg.AntiSnipeWindow = envDuration("ANTI_SNIPE_WINDOW", "30s")
	cfg.BidCooldown = envDuration("BID_COOLDOWN", "5s")
	cfg.DisputeWindow = envDuration("DISPUTE_WINDOW", "168h")

	treasury, err := uuid.Parse(env("TREASURY_ACCOUNT_ID", ""))
	if err != nil {
		log.Fatalf("invalid TREASURY_ACCOUNT_ID: %v", err)
	}
	cfg.TreasuryAccountID = treasury
	return cfg
}

func main() {
	port := env("PORT", "8080")
	dbURL := os.Getenv("DATABASE_URL")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	cfg := settlementFromEnv()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	events, err := messaging.NewClient(messaging.Config{
		URL:            env("NATS_URL", "nats://localhost:4222"),
		Name:           "gateway",
		ReconnectWait:  time.Second,
		MaxReconnects:  10,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer events.Close()

	rdb := redis.NewClient(&redis.Options{Addr: env("REDIS_ADDR", "localhost:6379")})
	defer rdb.Close()

	hist := history.NewRecorder(history.Config{
		URL:    env("INFLUX_URL", "http://localhost:8086"),
		Token:  os.Getenv("INFLUX_TOKEN"),
		Org:    env("INFLUX_ORG", "auctionhouse"),
		Bucket: env("INFLUX_BUCKET", "prices"),
	})
	defer hist.Close()

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	})
	processor := payments.NewHTTPProcessor(
		env("PROCESSOR_URL", "http://localhost:9090"),
		os.Getenv("PROCESSOR_API_KEY"),
		10*time.Second,
	)

	led := ledger.NewLedger(db, cfg.TreasuryAccountID)
	escrows := escrow.NewManager(db, led, events, cfg)
	deliveries := delivery.NewTracker(db, escrows, events, cfg)
	bids := bidding.NewEngine(db, led, rdb, events, hist, cfg)
	auctions := auction.NewService(db, led, bids, escrows, deliveries, events, cfg)
	disputes := dispute.NewResolver(db, escrows, deliveries, events, cfg)
	wallet := payments.NewWallet(db, led, processor, breakers, events)
	authSvc := auth.NewService(db, led, jwtSecret)

	gw := gateway.NewGateway(gateway.Config{
		Port:            port,
		RateLimitWindow: envDuration("RATE_LIMIT_WINDOW", "1m"),
		RateLimitMax:    100,
	}, gateway.Services{
		Auth:       authSvc,
		Auctions:   auctions,
		Bids:       bids,
		Escrows:    escrows,
		Deliveries: deliveries,
		Disputes:   disputes,
		Wallet:     wallet,
		Ledger:     led,
	}, events)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("gateway listening on :%s", port)
		return gw.Start(":" + port)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("gateway shutting down")
		if err := events.Drain(); err != nil {
			log.Printf("failed to drain NATS: %v", err)
		}
		return db.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("gateway exited: %v", err)
	}
}
