package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/auctionhouse/internal/domain"
)

// Holdings is a reconciliation result: what the ledger says an account
// should hold.
type Holdings struct {
	Available decimal.Decimal
	Escrowed  decimal.Decimal
}

// EntryDelta returns the (available, escrowed) deltas an entry implies for
// its account. Frozen and non-SUCCESS entries contribute nothing: pending
// fees have not moved value yet, failed entries never did, and frozen
// entries are excluded while their escrow is under dispute.
//
// The sign table:
//
//	PURCHASE                      +available
//	SELL                          -available
//	ESCROW_HOLD (no escrow link)  -available +escrowed   open reservation
//	ESCROW_HOLD (escrow linked)   -escrowed              captured into escrow
//	ESCROW_REFUND (no link)       +available -escrowed   loser/retraction
//	ESCROW_REFUND (escrow linked) +available             escrow refund
//	PAYOUT_VENDOR                 +available
//	PLATFORM_FEE                  +available             (treasury)
//	PENALTY on treasury           +available
//	PENALTY on bidder             -escrowed              forfeited hold slice
//
// A capture is always paired with an earlier open reservation on the same
// account; the pair nets to -available. Dispute clawbacks reuse the same
// pairing on the payout recipient.
func EntryDelta(e domain.TokenTransaction, treasury uuid.UUID) (available, escrowed decimal.Decimal) {
	available = decimal.Zero
	escrowed = decimal.Zero
	if e.Status != domain.TxStatusSuccess || e.Frozen {
		return
	}

	switch e.Type {
	case domain.TxTypePurchase:
		available = e.Amount
	case domain.TxTypeSell:
		available = e.Amount.Neg()
	case domain.TxTypeEscrowHold:
		if e.EscrowID == nil {
			available = e.Amount.Neg()
			escrowed = e.Amount
		} else {
			escrowed = e.Amount.Neg()
		}
	case domain.TxTypeRefund:
		available = e.Amount
		if e.EscrowID == nil {
			escrowed = e.Amount.Neg()
		}
	case domain.TxTypePayout:
		available = e.Amount
	case domain.TxTypeFee:
		available = e.Amount
	case domain.TxTypePenalty:
		if e.AccountID == treasury {
			available = e.Amount
		} else {
			escrowed = e.Amount.Neg()
		}
	}
	return
}

// ExpectedHoldings folds a full entry history into the holdings the
// account should have.
func ExpectedHoldings(entries []domain.TokenTransaction, treasury uuid.UUID) Holdings {
	h := Holdings{Available: decimal.Zero, Escrowed: decimal.Zero}
	for _, e := range entries {
		da, de := EntryDelta(e, treasury)
		h.Available = h.Available.Add(da)
		h.Escrowed = h.Escrowed.Add(de)
	}
	return h
}

// Reconcile checks an account's stored balances against its full ledger
// history. A mismatch means an operation moved value without its entry or
// vice versa.
func (l *Ledger) Reconcile(ctx context.Context, accountID uuid.UUID) (Holdings, bool, error) {
	account, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return Holdings{}, false, err
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, account_id, type, amount, status, auction_id, escrow_id, frozen, memo, created_at, updated_at
		 FROM token_transactions WHERE account_id = $1 ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return Holdings{}, false, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.TokenTransaction
	for rows.Next() {
		var e domain.TokenTransaction
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &e.Status,
			&e.AuctionID, &e.EscrowID, &e.Frozen, &e.Memo, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return Holdings{}, false, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Holdings{}, false, err
	}

	expected := ExpectedHoldings(entries, l.treasury)
	ok := expected.Available.Equal(account.Balance) && expected.Escrowed.Equal(account.Escrowed)
	return expected, ok, nil
}
