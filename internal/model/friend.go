package model

import "time"

type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestRejected FriendRequestStatus = "rejected"
)

type FriendRequest struct {
	ID        int64               `json:"request_id"`
	AccountID int64               `json:"account_id"`
	TargetID  int64               `json:"target_id"`
	Message   string              `json:"message"`
	ExpiresAt time.Time           `json:"expires_at"`
	Status    FriendRequestStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (r *FriendRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Friend is the public view of an account in a friend list.
type Friend struct {
	AccountID int64  `json:"account_id"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
}

type RelationStatus string

const (
	RelationActive  RelationStatus = "active"
	RelationRemoved RelationStatus = "removed"
)

// SearchResult is an account found by friend search.
type SearchResult struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	IsFriend  int    `json:"is_friend"`
}
