package model

import "time"

// Purpose selects which pending-code table a record lives in.
type Purpose string

const (
	PurposeRegistration Purpose = "registration"
	PurposeReset        Purpose = "reset"
)

type RecordStatus string

const (
	RecordValid   RecordStatus = "valid"
	RecordInvalid RecordStatus = "invalid"
)

// PendingRecord is an outstanding registration or password-reset code.
// At most one valid record exists per account and purpose.
type PendingRecord struct {
	ID        int64        `json:"id"`
	AccountID int64        `json:"account_id"`
	Purpose   Purpose      `json:"purpose"`
	Code      string       `json:"-"`
	ExpiresAt time.Time    `json:"expires_at"`
	Status    RecordStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Expired reports whether the record's deadline is at or before now.
func (r *PendingRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
