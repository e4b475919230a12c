package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/campusevent/internal/model"
)

// DispatchStore is the persistence the email dispatcher re-checks before
// each delivery attempt.
type DispatchStore struct {
	db *sql.DB
}

func NewDispatchStore(db *sql.DB) *DispatchStore {
	return &DispatchStore{db: db}
}

func (s *DispatchStore) PendingRecord(ctx context.Context, purpose model.Purpose, id int64) (*model.PendingRecord, error) {
	r, err := getRecord(ctx, s.db, purpose, `id = ? AND status = ?`, id, model.RecordValid)
	if err != nil {
		return nil, fmt.Errorf("get pending %s record: %w", purpose, err)
	}
	return r, nil
}

func (s *DispatchStore) PendingAccount(ctx context.Context, id int64) (*model.Account, error) {
	a, err := getAccount(ctx, s.db, `id = ? AND status IN (?, ?)`, id, model.AccountCreated, model.AccountAwaiting)
	if err != nil {
		return nil, fmt.Errorf("get pending account: %w", err)
	}
	return a, nil
}

func (s *DispatchStore) ExpireRegistration(ctx context.Context, recordID, accountID int64, at time.Time) error {
	_, err := expireRegistration(ctx, s.db, recordID, accountID, at)
	return err
}

func (s *DispatchStore) ExpireRecord(ctx context.Context, purpose model.Purpose, recordID int64, at time.Time) error {
	_, err := invalidateRecord(ctx, s.db, purpose, recordID, at)
	return err
}

func (s *DispatchStore) MarkAwaiting(ctx context.Context, accountID int64, at time.Time) error {
	return markAwaiting(ctx, s.db, accountID, at)
}
