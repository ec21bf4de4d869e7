// notifier consumes settlement events and delivers user notifications.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/terminal-bench/auctionhouse/internal/notify"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	events, err := messaging.NewClient(messaging.Config{
		URL:            env("NATS_URL", "nats://localhost:4222"),
		Name:           "notifier",
		ReconnectWait:  time.Second,
		MaxReconnects:  10,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer events.Close()

	notifier := notify.NewNotifier(events, notify.LogSender{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("notifier consuming auction events")
	if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("notifier exited: %v", err)
	}
	if err := events.Drain(); err != nil {
		log.Printf("failed to drain NATS: %v", err)
	}
}
