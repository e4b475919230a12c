package model

import "time"

type AccountStatus string

// Registration moves an account created → awaiting → valid. An account
// whose code lapses before validation ends in expired.
const (
	AccountCreated  AccountStatus = "created"
	AccountAwaiting AccountStatus = "awaiting"
	AccountValid    AccountStatus = "valid"
	AccountExpired  AccountStatus = "expired"
)

// Pending reports whether the account is still waiting on its
// registration code.
func (s AccountStatus) Pending() bool {
	return s == AccountCreated || s == AccountAwaiting
}

type Account struct {
	ID           int64         `json:"account_id"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	Nickname     string        `json:"nickname"`
	Major        string        `json:"major"`
	AvatarURL    string        `json:"avatar"`
	Status       AccountStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
