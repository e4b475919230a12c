// Package dispatch delivers outbound account emails from an in-memory
// queue drained by a single consumer goroutine. Tasks are not persisted:
// the pending record they point at is the source of truth and is
// re-checked before every delivery attempt.
package dispatch

import (
	"context"
	"time"

	"github.com/dukerupert/campusevent/internal/model"
)

type Action string

const (
	ActionRegistration Action = "registration"
	ActionReset        Action = "reset"
)

// Task is one outbound email. It is never modified after Enqueue; a
// requeue reinserts the same value.
type Task struct {
	ID        string `json:"id"`
	Action    Action `json:"action"`
	AccountID int64  `json:"account_id"`
	RecordID  int64  `json:"record_id"`
	Address   string `json:"address"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Outcome is the result of one processing attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeDropped   Outcome = "dropped"
	OutcomeExpired   Outcome = "expired"
	OutcomeDead      Outcome = "dead"
)

// Store is the persistence the consumer needs to validate and finalise a
// task. Lookups return (nil, nil) when the row is missing or no longer in
// the required state; any error is treated as transient.
type Store interface {
	// PendingRecord returns the record only while its status is valid.
	PendingRecord(ctx context.Context, purpose model.Purpose, id int64) (*model.PendingRecord, error)
	// PendingAccount returns the account only while registration is
	// still in progress.
	PendingAccount(ctx context.Context, id int64) (*model.Account, error)
	// ExpireRegistration invalidates the record and expires the account
	// atomically. Applying it twice must not change anything.
	ExpireRegistration(ctx context.Context, recordID, accountID int64, at time.Time) error
	ExpireRecord(ctx context.Context, purpose model.Purpose, recordID int64, at time.Time) error
	MarkAwaiting(ctx context.Context, accountID int64, at time.Time) error
}

// Transport sends one email. Any failure is reported as an error; the
// dispatcher does not distinguish causes.
type Transport interface {
	Send(ctx context.Context, subject, address, body string) error
}
