package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/model"
)

// RecordStore manages registration and password-reset codes. Both kinds
// share a schema and live in separate tables selected by purpose.
type RecordStore struct {
	db *sql.DB
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

func scanRecord(scanner interface{ Scan(...any) error }, purpose model.Purpose) (*model.PendingRecord, error) {
	var r model.PendingRecord
	var expiresAt, createdAt, updatedAt int64
	err := scanner.Scan(&r.ID, &r.AccountID, &r.Code, &expiresAt, &r.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Purpose = purpose
	r.ExpiresAt = clock.FromMillis(expiresAt)
	r.CreatedAt = clock.FromMillis(createdAt)
	r.UpdatedAt = clock.FromMillis(updatedAt)
	return &r, nil
}

const recordCols = `id, account_id, code, expires_at, status, created_at, updated_at`

func getRecord(ctx context.Context, q querier, purpose model.Purpose, where string, args ...any) (*model.PendingRecord, error) {
	table, err := recordTable(purpose)
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, `SELECT `+recordCols+` FROM `+table+` WHERE `+where, args...)
	r, err := scanRecord(row, purpose)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func insertRecord(ctx context.Context, q querier, purpose model.Purpose, accountID int64, code string, expiresAt, now time.Time) (int64, error) {
	table, err := recordTable(purpose)
	if err != nil {
		return 0, err
	}
	result, err := q.ExecContext(ctx,
		`INSERT INTO `+table+` (account_id, code, expires_at, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, code, clock.Millis(expiresAt), model.RecordValid, clock.Millis(now), clock.Millis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s record: %w", purpose, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func invalidateRecord(ctx context.Context, q querier, purpose model.Purpose, id int64, now time.Time) (bool, error) {
	table, err := recordTable(purpose)
	if err != nil {
		return false, err
	}
	result, err := q.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.RecordInvalid, clock.Millis(now), id, model.RecordValid,
	)
	if err != nil {
		return false, fmt.Errorf("invalidate %s record: %w", purpose, err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetValidByCode returns the account's valid record carrying code.
func (s *RecordStore) GetValidByCode(purpose model.Purpose, accountID int64, code string) (*model.PendingRecord, error) {
	r, err := getRecord(context.Background(), s.db, purpose,
		`account_id = ? AND code = ? AND status = ?`, accountID, code, model.RecordValid)
	if err != nil {
		return nil, fmt.Errorf("get record by code: %w", err)
	}
	return r, nil
}

// GetValidForAccount returns the account's current valid record, if any.
func (s *RecordStore) GetValidForAccount(purpose model.Purpose, accountID int64) (*model.PendingRecord, error) {
	r, err := getRecord(context.Background(), s.db, purpose,
		`account_id = ? AND status = ? ORDER BY id DESC LIMIT 1`, accountID, model.RecordValid)
	if err != nil {
		return nil, fmt.Errorf("get record for account: %w", err)
	}
	return r, nil
}

// Invalidate marks a valid record invalid. It reports false when the
// record was already invalid.
func (s *RecordStore) Invalidate(purpose model.Purpose, id int64, now time.Time) (bool, error) {
	return invalidateRecord(context.Background(), s.db, purpose, id, now)
}

// CreateReset invalidates any outstanding reset codes for the account and
// inserts a new one, keeping a single valid reset record per account.
func (s *RecordStore) CreateReset(accountID int64, code string, expiresAt, now time.Time) (*model.PendingRecord, error) {
	ctx := context.Background()
	var id int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE reset_records SET status = ?, updated_at = ? WHERE account_id = ? AND status = ?`,
			model.RecordInvalid, clock.Millis(now), accountID, model.RecordValid,
		)
		if err != nil {
			return fmt.Errorf("invalidate previous reset records: %w", err)
		}
		id, err = insertRecord(ctx, tx, model.PurposeReset, accountID, code, expiresAt, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	r, err := getRecord(ctx, s.db, model.PurposeReset, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get reset record: %w", err)
	}
	return r, nil
}
