package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/campusevent/internal/model"
)

var (
	// ErrConflict is returned when a conditional update found the row in
	// a different state than expected, usually because another request
	// got there first.
	ErrConflict = errors.New("store: row state changed")

	// ErrNotFound is returned by mutations whose target rows do not exist.
	// Lookups return (nil, nil) instead.
	ErrNotFound = errors.New("store: not found")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func recordTable(p model.Purpose) (string, error) {
	switch p {
	case model.PurposeRegistration:
		return "register_records", nil
	case model.PurposeReset:
		return "reset_records", nil
	default:
		return "", fmt.Errorf("unknown record purpose %q", p)
	}
}
