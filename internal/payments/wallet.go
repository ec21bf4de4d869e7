package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/pkg/circuit"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/store"
)

const (
	breakerCharge = "processor.charge"
	breakerPayout = "processor.payout"
)

// Wallet runs the fiat on/off ramp: tokens in via Charge, tokens out via
// Payout. Token prices are 1:1 with fiat; conversion lives in the
// processor.
type Wallet struct {
	db        *sql.DB
	ledger    *ledger.Ledger
	processor Processor
	breakers  *circuit.BreakerGroup
	events    *messaging.Client
}

func NewWallet(db *sql.DB, l *ledger.Ledger, p Processor, breakers *circuit.BreakerGroup, events *messaging.Client) *Wallet {
	return &Wallet{db: db, ledger: l, processor: p, breakers: breakers, events: events}
}

// BuyTokens purchases tokens with fiat. The entry opens PENDING, the charge
// runs outside any transaction, and the entry settles SUCCESS (crediting
// the tokens) or FAILED. A failed charge never touches the balance.
func (w *Wallet) BuyTokens(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*domain.TokenTransaction, error) {
	var entry *domain.TokenTransaction
	err := store.RunInTx(ctx, w.db, func(tx *sql.Tx) error {
		var err error
		entry, err = w.ledger.BeginPurchaseTx(tx, accountID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	chargeErr := w.breakers.Execute(ctx, breakerCharge, func() error {
		_, err := w.processor.Charge(ctx, accountID, amount)
		return err
	})
	return w.settle(ctx, entry, chargeErr, messaging.SubjectTokensPurchased)
}

// SellTokens converts tokens back to fiat. Tokens are debited up front so
// they cannot be spent while the payout is in flight; a failed payout
// returns them.
func (w *Wallet) SellTokens(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*domain.TokenTransaction, error) {
	var entry *domain.TokenTransaction
	err := store.RunSerializable(ctx, w.db, func(tx *sql.Tx) error {
		var err error
		entry, err = w.ledger.BeginSellTx(tx, accountID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	payoutErr := w.breakers.Execute(ctx, breakerPayout, func() error {
		_, err := w.processor.Payout(ctx, accountID, amount)
		return err
	})
	return w.settle(ctx, entry, payoutErr, messaging.SubjectTokensSold)
}

// settle records the processor outcome. The settlement transaction must
// land even when the processor failed, otherwise a sell would strand the
// debited tokens.
func (w *Wallet) settle(ctx context.Context, entry *domain.TokenTransaction, procErr error, subject string) (*domain.TokenTransaction, error) {
	success := procErr == nil
	err := store.RunSerializable(ctx, w.db, func(tx *sql.Tx) error {
		return w.ledger.SettleFiatTx(tx, entry, success)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to settle fiat entry %s: %w", entry.ID, err)
	}
	entry.Status = domain.TxStatusSuccess
	if !success {
		entry.Status = domain.TxStatusFailed
	}

	w.publish(ctx, subject, entry)

	if procErr != nil {
		if errors.Is(procErr, circuit.ErrCircuitOpen) || errors.Is(procErr, circuit.ErrTooManyRequests) {
			return entry, fmt.Errorf("payment processor unavailable: %w", domain.ErrExternalService)
		}
		return entry, fmt.Errorf("payment processor declined: %w", domain.ErrExternalService)
	}
	return entry, nil
}

// Balance returns the account's current holdings.
func (w *Wallet) Balance(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return w.ledger.GetAccount(ctx, accountID)
}

// Statement returns the newest ledger entries for the account.
func (w *Wallet) Statement(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TokenTransaction, error) {
	return w.ledger.EntriesByAccount(ctx, accountID, limit)
}

func (w *Wallet) publish(ctx context.Context, subject string, entry *domain.TokenTransaction) {
	if w.events == nil {
		return
	}
	event := messaging.WalletEvent{
		TransactionID: entry.ID,
		AccountID:     entry.AccountID,
		Type:          entry.Type,
		Amount:        entry.Amount.String(),
		Status:        entry.Status,
		Timestamp:     time.Now(),
	}
	if err := w.events.Publish(ctx, subject, event); err != nil {
		log.Printf("payments: failed to publish %s for account %s: %v", subject, entry.AccountID, err)
	}
}
