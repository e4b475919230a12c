package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dukerupert/campusevent/internal/database"
	"github.com/dukerupert/campusevent/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func registerTestAccount(t *testing.T, as *AccountStore, email string, expiresAt time.Time) (int64, int64) {
	t.Helper()
	a, r, err := as.Register(NewAccount{
		Email:        email,
		PasswordHash: "hash",
		Nickname:     "User0123456789",
		Major:        "Unknown",
	}, "123456", expiresAt, testNow)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return a.ID, r.ID
}

// validRecord returns the record with id if it is still valid.
func validRecord(rs *RecordStore, purpose model.Purpose, id int64) (*model.PendingRecord, error) {
	return getRecord(context.Background(), rs.db, purpose, `id = ? AND status = ?`, id, model.RecordValid)
}
