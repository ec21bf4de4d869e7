// Package store provides the unit-of-work boundary used by every
// money-moving operation: all mutations inside fn commit together or not
// at all.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// serialization_failure; the caller should retry the whole unit of work.
const pqSerializationFailure = "40001"

// ErrSerialization indicates the transaction lost a serializable-isolation
// race and can be retried safely (nothing was committed).
var ErrSerialization = errors.New("transaction serialization conflict")

// RunInTx executes fn inside a read-committed transaction.
func RunInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return run(ctx, db, nil, fn)
}

// RunSerializable executes fn with serializable isolation. Cross-entity
// settlement steps (balance + bid + auction, escrow + ledger) go through
// here so partial visibility is impossible.
func RunSerializable(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return run(ctx, db, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

func run(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return mapSerialization(err)
	}

	if err := tx.Commit(); err != nil {
		return mapSerialization(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func mapSerialization(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqSerializationFailure {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return err
}
