// Package ledger owns token accounts and the append-only transaction
// ledger. Every balance-affecting operation writes an entry; corrections
// are new entries, never mutations. Only an entry's status may transition
// (PENDING -> SUCCESS/FAILED) after insert.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

type Ledger struct {
	db       *sql.DB
	treasury uuid.UUID
}

// NewLedger creates a ledger. treasury receives platform fees and
// retraction penalties.
func NewLedger(db *sql.DB, treasury uuid.UUID) *Ledger {
	return &Ledger{db: db, treasury: treasury}
}

// TreasuryID returns the platform revenue account.
func (l *Ledger) TreasuryID() uuid.UUID { return l.treasury }

// CreateAccount creates a token account keyed by the user's id.
func (l *Ledger) CreateAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	now := time.Now()
	account := &domain.Account{
		ID:        id,
		Balance:   decimal.Zero,
		Escrowed:  decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, escrowed, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		account.ID, account.Balance, account.Escrowed,
		account.CreatedAt, account.UpdatedAt, account.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// CreateAccountTx creates a token account inside an enclosing unit of work,
// so caller records and their account commit or abort together.
func (l *Ledger) CreateAccountTx(tx *sql.Tx, id uuid.UUID) (*domain.Account, error) {
	now := time.Now()
	account := &domain.Account{
		ID:        id,
		Balance:   decimal.Zero,
		Escrowed:  decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	_, err := tx.Exec(
		`INSERT INTO accounts (id, balance, escrowed, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		account.ID, account.Balance, account.Escrowed,
		account.CreatedAt, account.UpdatedAt, account.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// GetAccount retrieves an account.
func (l *Ledger) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	err := l.db.QueryRowContext(ctx,
		`SELECT id, balance, escrowed, created_at, updated_at, version
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Balance, &a.Escrowed, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// LockAccountTx loads an account with a row lock held for the remainder
// of the transaction. Accounts are the most contended resource; every
// balance mutation goes through this lock.
func (l *Ledger) LockAccountTx(tx *sql.Tx, id uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	err := tx.QueryRow(
		`SELECT id, balance, escrowed, created_at, updated_at, version
		 FROM accounts WHERE id = $1 FOR UPDATE`, id,
	).Scan(&a.ID, &a.Balance, &a.Escrowed, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &a, nil
}

// applyBalancesTx writes new balances with an optimistic version check on
// top of the row lock. Negative balances are rejected before touching the
// row.
func (l *Ledger) applyBalancesTx(tx *sql.Tx, a *domain.Account, balance, escrowed decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("account %s balance would go negative: %w", a.ID, domain.ErrInsufficientBalance)
	}
	if escrowed.IsNegative() {
		return fmt.Errorf("account %s escrowed balance would go negative: %w", a.ID, domain.ErrInsufficientBalance)
	}

	res, err := tx.Exec(
		`UPDATE accounts SET balance = $1, escrowed = $2, updated_at = $3, version = version + 1
		 WHERE id = $4 AND version = $5`,
		balance, escrowed, time.Now(), a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s modified concurrently: %w", a.ID, domain.ErrConflict)
	}
	a.Balance = balance
	a.Escrowed = escrowed
	a.Version++
	return nil
}

// HoldTx moves amount from available into escrowed for an open bid and
// records the ESCROW_HOLD entry.
func (l *Ledger) HoldTx(tx *sql.Tx, accountID, auctionID uuid.UUID, amount decimal.Decimal) (*domain.TokenTransaction, error) {
	a, err := l.LockAccountTx(tx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Balance.LessThan(amount) {
		return nil, fmt.Errorf("hold of %s exceeds available balance %s: %w",
			amount, a.Balance, domain.ErrInsufficientBalance)
	}
	if err := l.applyBalancesTx(tx, a, a.Balance.Sub(amount), a.Escrowed.Add(amount)); err != nil {
		return nil, err
	}

	entry := newEntry(accountID, domain.TxTypeEscrowHold, amount, domain.TxStatusSuccess, &auctionID, nil, "bid hold")
	if err := l.InsertEntryTx(tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReleaseHoldTx dissolves a bid hold: refund goes back to available,
// penalty (if any) is forfeited to the treasury. refund+penalty must equal
// the originally held amount.
func (l *Ledger) ReleaseHoldTx(tx *sql.Tx, accountID, auctionID uuid.UUID, refund, penalty decimal.Decimal) error {
	a, err := l.LockAccountTx(tx, accountID)
	if err != nil {
		return err
	}
	total := refund.Add(penalty)
	if a.Escrowed.LessThan(total) {
		return fmt.Errorf("release of %s exceeds escrowed balance %s: %w",
			total, a.Escrowed, domain.ErrInsufficientBalance)
	}
	if err := l.applyBalancesTx(tx, a, a.Balance.Add(refund), a.Escrowed.Sub(total)); err != nil {
		return err
	}

	if err := l.InsertEntryTx(tx, newEntry(accountID, domain.TxTypeRefund, refund,
		domain.TxStatusSuccess, &auctionID, nil, "bid hold released")); err != nil {
		return err
	}
	if penalty.IsPositive() {
		if err := l.InsertEntryTx(tx, newEntry(accountID, domain.TxTypePenalty, penalty,
			domain.TxStatusSuccess, &auctionID, nil, "retraction penalty")); err != nil {
			return err
		}
		if err := l.CreditTx(tx, l.treasury, penalty, domain.TxTypePenalty, &auctionID, nil,
			domain.TxStatusSuccess, "retraction penalty collected"); err != nil {
			return err
		}
	}
	return nil
}

// CaptureHoldTx moves the winning bidder's held tokens out of the account
// and into the escrow: escrowed drops by amount and an escrow-linked
// ESCROW_HOLD entry records the capture. The open hold entry is left
// untouched; the two entries together net to the available-balance debit.
func (l *Ledger) CaptureHoldTx(tx *sql.Tx, accountID, auctionID, escrowID uuid.UUID, amount decimal.Decimal) error {
	a, err := l.LockAccountTx(tx, accountID)
	if err != nil {
		return err
	}
	if a.Escrowed.LessThan(amount) {
		return fmt.Errorf("capture of %s exceeds escrowed balance %s: %w",
			amount, a.Escrowed, domain.ErrInsufficientBalance)
	}
	if err := l.applyBalancesTx(tx, a, a.Balance, a.Escrowed.Sub(amount)); err != nil {
		return err
	}

	var holdID uuid.UUID
	err = tx.QueryRow(
		`SELECT id FROM token_transactions
		 WHERE account_id = $1 AND auction_id = $2 AND type = $3 AND escrow_id IS NULL AND amount = $4 AND status = $5
		 LIMIT 1`,
		accountID, auctionID, domain.TxTypeEscrowHold, amount, domain.TxStatusSuccess,
	).Scan(&holdID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no open hold entry for account %s auction %s: %w",
			accountID, auctionID, domain.ErrInvalidState)
	}
	if err != nil {
		return fmt.Errorf("failed to find hold entry: %w", err)
	}

	return l.InsertEntryTx(tx, newEntry(accountID, domain.TxTypeEscrowHold, amount,
		domain.TxStatusSuccess, &auctionID, &escrowID, "hold captured into escrow"))
}

// ClawbackTx pulls already-paid-out funds back under escrow control when a
// settled auction is disputed inside the dispute window. Available drops by
// amount; the paired open-hold and capture entries mirror the original
// bid-hold bookkeeping so the account reconciles once the dispute resolves.
// Fails with ErrInsufficientBalance if the recipient has since spent the
// funds.
func (l *Ledger) ClawbackTx(tx *sql.Tx, accountID, auctionID, escrowID uuid.UUID, amount decimal.Decimal, memo string) error {
	if !amount.IsPositive() {
		return nil
	}
	a, err := l.LockAccountTx(tx, accountID)
	if err != nil {
		return err
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("clawback of %s exceeds available balance %s: %w",
			amount, a.Balance, domain.ErrInsufficientBalance)
	}
	if err := l.applyBalancesTx(tx, a, a.Balance.Sub(amount), a.Escrowed); err != nil {
		return err
	}

	if err := l.InsertEntryTx(tx, newEntry(accountID, domain.TxTypeEscrowHold, amount,
		domain.TxStatusSuccess, &auctionID, nil, memo)); err != nil {
		return err
	}
	return l.InsertEntryTx(tx, newEntry(accountID, domain.TxTypeEscrowHold, amount,
		domain.TxStatusSuccess, &auctionID, &escrowID, memo))
}

// CreditTx increases an account's available balance and records the entry.
func (l *Ledger) CreditTx(tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal,
	txType string, auctionID, escrowID *uuid.UUID, status, memo string) error {
	a, err := l.LockAccountTx(tx, accountID)
	if err != nil {
		return err
	}
	if err := l.applyBalancesTx(tx, a, a.Balance.Add(amount), a.Escrowed); err != nil {
		return err
	}
	return l.InsertEntryTx(tx, newEntry(accountID, txType, amount, status, auctionID, escrowID, memo))
}

// DebitTx decreases an account's available balance and records the entry.
// Fails with ErrInsufficientBalance rather than going negative.
func (l *Ledger) DebitTx(tx *sql.Tx, accountID uuid.UUID, amount decimal.Decimal,
	txType string, auctionID, escrowID *uuid.UUID, status, memo string) error {
	a, err := l.LockAccountTx(tx, accountID)
	if err != nil {
		return err
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("debit of %s exceeds available balance %s: %w",
			amount, a.Balance, domain.ErrInsufficientBalance)
	}
	if err := l.applyBalancesTx(tx, a, a.Balance.Sub(amount), a.Escrowed); err != nil {
		return err
	}
	return l.InsertEntryTx(tx, newEntry(accountID, txType, amount, status, auctionID, escrowID, memo))
}

// InsertEntryTx appends a ledger entry.
func (l *Ledger) InsertEntryTx(tx *sql.Tx, e *domain.TokenTransaction) error {
	_, err := tx.Exec(
		`INSERT INTO token_transactions (id, account_id, type, amount, status, auction_id, escrow_id, frozen, memo, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.AccountID, e.Type, e.Amount, e.Status, e.AuctionID, e.EscrowID,
		e.Frozen, e.Memo, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// SettleEntryStatusTx flips a PENDING entry to SUCCESS or FAILED. Any
// other transition is rejected: entry content is immutable.
func (l *Ledger) SettleEntryStatusTx(tx *sql.Tx, entryID uuid.UUID, to string) error {
	if to != domain.TxStatusSuccess && to != domain.TxStatusFailed {
		return fmt.Errorf("ledger entry may only settle to SUCCESS or FAILED: %w", domain.ErrValidation)
	}
	res, err := tx.Exec(
		`UPDATE token_transactions SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		to, time.Now(), entryID, domain.TxStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to settle entry status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("entry %s is not pending: %w", entryID, domain.ErrConflict)
	}
	return nil
}

// SettleAuctionFeeTx resolves the PENDING platform-fee entry recorded at
// auction close. On success the treasury is credited; on failure the entry
// is voided. Missing entry is tolerated for escrows created outside a
// normal close.
func (l *Ledger) SettleAuctionFeeTx(tx *sql.Tx, auctionID uuid.UUID, success bool) error {
	var entryID uuid.UUID
	var amount decimal.Decimal
	err := tx.QueryRow(
		`SELECT id, amount FROM token_transactions
		 WHERE auction_id = $1 AND type = $2 AND status = $3`,
		auctionID, domain.TxTypeFee, domain.TxStatusPending,
	).Scan(&entryID, &amount)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find pending fee entry: %w", err)
	}

	to := domain.TxStatusFailed
	if success {
		to = domain.TxStatusSuccess
	}
	if err := l.SettleEntryStatusTx(tx, entryID, to); err != nil {
		return err
	}
	if success {
		a, err := l.LockAccountTx(tx, l.treasury)
		if err != nil {
			return err
		}
		return l.applyBalancesTx(tx, a, a.Balance.Add(amount), a.Escrowed)
	}
	return nil
}

// RecordPendingFeeTx writes the platform-fee entry in PENDING state at
// auction close. The treasury is credited only when the fee settles.
func (l *Ledger) RecordPendingFeeTx(tx *sql.Tx, auctionID, escrowID uuid.UUID, amount decimal.Decimal) (*domain.TokenTransaction, error) {
	entry := newEntry(l.treasury, domain.TxTypeFee, amount, domain.TxStatusPending, &auctionID, &escrowID, "platform fee")
	if err := l.InsertEntryTx(tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// SetEscrowEntriesFrozenTx marks (or unmarks) every entry linked to an
// escrow as frozen so reconciliation reports exclude them while a dispute
// is open. Entries are never deleted.
func (l *Ledger) SetEscrowEntriesFrozenTx(tx *sql.Tx, escrowID uuid.UUID, frozen bool) error {
	_, err := tx.Exec(
		`UPDATE token_transactions SET frozen = $1, updated_at = $2 WHERE escrow_id = $3`,
		frozen, time.Now(), escrowID,
	)
	if err != nil {
		return fmt.Errorf("failed to update frozen flag: %w", err)
	}
	return nil
}

// EntriesByAccount returns the newest entries for an account.
func (l *Ledger) EntriesByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TokenTransaction, error) {
	return l.queryEntries(ctx,
		`SELECT id, account_id, type, amount, status, auction_id, escrow_id, frozen, memo, created_at, updated_at
		 FROM token_transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
}

// EntriesByAuction returns every entry linked to an auction.
func (l *Ledger) EntriesByAuction(ctx context.Context, auctionID uuid.UUID) ([]domain.TokenTransaction, error) {
	return l.queryEntries(ctx,
		`SELECT id, account_id, type, amount, status, auction_id, escrow_id, frozen, memo, created_at, updated_at
		 FROM token_transactions WHERE auction_id = $1 ORDER BY created_at`,
		auctionID)
}

// EntriesByEscrow returns every entry linked to an escrow.
func (l *Ledger) EntriesByEscrow(ctx context.Context, escrowID uuid.UUID) ([]domain.TokenTransaction, error) {
	return l.queryEntries(ctx,
		`SELECT id, account_id, type, amount, status, auction_id, escrow_id, frozen, memo, created_at, updated_at
		 FROM token_transactions WHERE escrow_id = $1 ORDER BY created_at`,
		escrowID)
}

func (l *Ledger) queryEntries(ctx context.Context, query string, args ...interface{}) ([]domain.TokenTransaction, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.TokenTransaction
	for rows.Next() {
		var e domain.TokenTransaction
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &e.Status,
			&e.AuctionID, &e.EscrowID, &e.Frozen, &e.Memo, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func newEntry(accountID uuid.UUID, txType string, amount decimal.Decimal, status string,
	auctionID, escrowID *uuid.UUID, memo string) *domain.TokenTransaction {
	now := time.Now()
	return &domain.TokenTransaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Type:      txType,
		Amount:    amount,
		Status:    status,
		AuctionID: auctionID,
		EscrowID:  escrowID,
		Memo:      memo,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
