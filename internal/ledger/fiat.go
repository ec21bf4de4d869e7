package ledger

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

// Fiat on/off ramp bookkeeping. A purchase or sale opens as a PENDING
// entry, the external processor runs outside any transaction, and the entry
// settles in a second unit of work. Balances only reflect SUCCESS entries:
// a purchase credits on settlement, a sale debits up front and credits back
// on failure.

// BeginPurchaseTx records a pending token purchase. No balance moves until
// the processor confirms.
func (l *Ledger) BeginPurchaseTx(tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal) (*domain.TokenTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("purchase amount must be positive: %w", domain.ErrValidation)
	}
	entry := newEntry(accountID, domain.TxTypePurchase, amount, domain.TxStatusPending, nil, nil, "token purchase")
	if err := l.InsertEntryTx(tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// BeginSellTx records a pending token sale and debits the tokens so they
// cannot be spent while the payout is in flight.
func (l *Ledger) BeginSellTx(tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal) (*domain.TokenTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("sell amount must be positive: %w", domain.ErrValidation)
	}
	a, err := l.LockAccountTx(tx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Balance.LessThan(amount) {
		return nil, fmt.Errorf("sell of %s exceeds available balance %s: %w",
			amount, a.Balance, domain.ErrInsufficientBalance)
	}
	if err := l.applyBalancesTx(tx, a, a.Balance.Sub(amount), a.Escrowed); err != nil {
		return nil, err
	}
	entry := newEntry(accountID, domain.TxTypeSell, amount, domain.TxStatusPending, nil, nil, "token sale")
	if err := l.InsertEntryTx(tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// SettleFiatTx resolves a pending PURCHASE or SELL entry after the external
// processor answered. A confirmed purchase credits the tokens; a failed
// sale returns the debited tokens.
func (l *Ledger) SettleFiatTx(tx *sql.Tx, entry *domain.TokenTransaction, success bool) error {
	to := domain.TxStatusFailed
	if success {
		to = domain.TxStatusSuccess
	}
	if err := l.SettleEntryStatusTx(tx, entry.ID, to); err != nil {
		return err
	}

	restore := (entry.Type == domain.TxTypePurchase && success) ||
		(entry.Type == domain.TxTypeSell && !success)
	if !restore {
		return nil
	}
	a, err := l.LockAccountTx(tx, entry.AccountID)
	if err != nil {
		return err
	}
	return l.applyBalancesTx(tx, a, a.Balance.Add(entry.Amount), a.Escrowed)
}
