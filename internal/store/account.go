package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// NewAccount holds the fields supplied at registration.
type NewAccount struct {
	Email        string
	PasswordHash string
	Nickname     string
	Major        string
	AvatarURL    string
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var createdAt, updatedAt int64
	err := scanner.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.Nickname, &a.Major, &a.AvatarURL,
		&a.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = clock.FromMillis(createdAt)
	a.UpdatedAt = clock.FromMillis(updatedAt)
	return &a, nil
}

const accountCols = `id, email, password_hash, nickname, major, avatar_url, status, created_at, updated_at`

func getAccount(ctx context.Context, q querier, where string, args ...any) (*model.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE `+where, args...)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AccountStore) GetByID(id int64) (*model.Account, error) {
	a, err := getAccount(context.Background(), s.db, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetByEmail returns the newest account with the given email whose status
// is one of statuses (any status if none are given).
func (s *AccountStore) GetByEmail(email string, statuses ...model.AccountStatus) (*model.Account, error) {
	where := `email = ?`
	args := []any{email}
	if len(statuses) > 0 {
		where += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	a, err := getAccount(context.Background(), s.db, where+` ORDER BY id DESC LIMIT 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

// Register creates a new account in the created state together with its
// registration record.
func (s *AccountStore) Register(na NewAccount, code string, expiresAt, now time.Time) (*model.Account, *model.PendingRecord, error) {
	ctx := context.Background()
	var accountID, recordID int64

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (email, password_hash, nickname, major, avatar_url, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			na.Email, na.PasswordHash, na.Nickname, na.Major, na.AvatarURL, model.AccountCreated,
			clock.Millis(now), clock.Millis(now),
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if accountID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		recordID, err = insertRecord(ctx, tx, model.PurposeRegistration, accountID, code, expiresAt, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	a, err := s.GetByID(accountID)
	if err != nil {
		return nil, nil, err
	}
	r, err := getRecord(ctx, s.db, model.PurposeRegistration, `id = ?`, recordID)
	if err != nil {
		return nil, nil, fmt.Errorf("get register record: %w", err)
	}
	return a, r, nil
}

// Activate consumes the registration record and marks the account valid.
// Returns ErrConflict if the record is no longer valid or the account is
// not awaiting validation.
func (s *AccountStore) Activate(accountID, recordID int64, now time.Time) error {
	ctx := context.Background()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE register_records SET status = ?, updated_at = ? WHERE id = ? AND account_id = ? AND status = ?`,
			model.RecordInvalid, clock.Millis(now), recordID, accountID, model.RecordValid,
		)
		if err != nil {
			return fmt.Errorf("consume register record: %w", err)
		}
		if n, err := rowsAffected(result); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			model.AccountValid, clock.Millis(now), accountID, model.AccountAwaiting,
		)
		if err != nil {
			return fmt.Errorf("activate account: %w", err)
		}
		if n, err := rowsAffected(result); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}
		return nil
	})
}

// ExpireRegistration invalidates the registration record and demotes the
// still-pending account to expired in one transaction. It reports false
// when the record was already invalid, leaving both rows untouched.
func (s *AccountStore) ExpireRegistration(recordID, accountID int64, now time.Time) (bool, error) {
	return expireRegistration(context.Background(), s.db, recordID, accountID, now)
}

func expireRegistration(ctx context.Context, db *sql.DB, recordID, accountID int64, now time.Time) (bool, error) {
	changed := false
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE register_records SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			model.RecordInvalid, clock.Millis(now), recordID, model.RecordValid,
		)
		if err != nil {
			return fmt.Errorf("invalidate register record: %w", err)
		}
		n, err := rowsAffected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			model.AccountExpired, clock.Millis(now), accountID, model.AccountCreated, model.AccountAwaiting,
		)
		if err != nil {
			return fmt.Errorf("expire account: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// MarkAwaiting records that the registration email went out.
func (s *AccountStore) MarkAwaiting(accountID int64, now time.Time) error {
	return markAwaiting(context.Background(), s.db, accountID, now)
}

func markAwaiting(ctx context.Context, q querier, accountID int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		model.AccountAwaiting, clock.Millis(now), accountID, model.AccountCreated, model.AccountAwaiting,
	)
	if err != nil {
		return fmt.Errorf("mark account awaiting: %w", err)
	}
	return nil
}

// ConsumeReset invalidates the account's reset record and, when
// passwordHash is not empty, replaces the password in the same
// transaction. Returns ErrConflict if the record is no longer valid.
func (s *AccountStore) ConsumeReset(accountID, recordID int64, passwordHash string, now time.Time) error {
	ctx := context.Background()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE reset_records SET status = ?, updated_at = ? WHERE id = ? AND account_id = ? AND status = ?`,
			model.RecordInvalid, clock.Millis(now), recordID, accountID, model.RecordValid,
		)
		if err != nil {
			return fmt.Errorf("consume reset record: %w", err)
		}
		if n, err := rowsAffected(result); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}

		if passwordHash == "" {
			return nil
		}
		result, err = tx.ExecContext(ctx,
			`UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ? AND status = ?`,
			passwordHash, clock.Millis(now), accountID, model.AccountValid,
		)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if n, err := rowsAffected(result); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}
		return nil
	})
}
