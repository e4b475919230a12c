// Package notice keeps pending friend notifications in memory until the
// recipient polls for them.
package notice

import (
	"log/slog"
	"sort"
)

// ListChangedKey is the single key used in the friend-list mailbox.
const ListChangedKey = "flag"

// FriendRequest summarises a pending friend request for the target's
// notice poll. Timestamp is Unix milliseconds.
type FriendRequest struct {
	RequestID int64  `json:"request_id"`
	AccountID int64  `json:"account_id"`
	Nickname  string `json:"nickname"`
	Avatar    string `json:"avatar"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Summary is what a recipient sees when polling.
type Summary struct {
	ListUpdated bool
	Requests    []FriendRequest
}

// Notices bundles the two friend mailboxes. Requests are keyed by the
// applicant's account id, so a second request from the same applicant
// replaces the first until the target polls.
type Notices struct {
	Requests    *Mailbox[int64, FriendRequest]
	ListChanged *Mailbox[string, int]
}

func New(logger *slog.Logger) *Notices {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notices{
		Requests:    NewMailbox[int64, FriendRequest](logger.With("mailbox", "friend_request")),
		ListChanged: NewMailbox[string, int](logger.With("mailbox", "friend_list")),
	}
}

// PublishRequest records a pending request for target.
func (n *Notices) PublishRequest(target int64, req FriendRequest) {
	n.Requests.Set(target, req.AccountID, req)
}

// PublishListChanged flags every account's friend list as changed.
func (n *Notices) PublishListChanged(accounts ...int64) {
	n.ListChanged.SetAll(accounts, ListChangedKey, 1)
}

// Poll returns the pending state for account without clearing it.
// Requests are ordered oldest first.
func (n *Notices) Poll(account int64) Summary {
	var s Summary
	if flags, ok := n.ListChanged.Get(account); ok && flags[ListChangedKey] != 0 {
		s.ListUpdated = true
	}
	if reqs, ok := n.Requests.Get(account); ok {
		s.Requests = make([]FriendRequest, 0, len(reqs))
		for _, r := range reqs {
			s.Requests = append(s.Requests, r)
		}
		sort.Slice(s.Requests, func(i, j int) bool {
			if s.Requests[i].Timestamp != s.Requests[j].Timestamp {
				return s.Requests[i].Timestamp < s.Requests[j].Timestamp
			}
			return s.Requests[i].RequestID < s.Requests[j].RequestID
		})
	}
	return s
}

// AckListChanged clears the list-changed flag after the account has
// fetched its friend list.
func (n *Notices) AckListChanged(account int64) {
	n.ListChanged.Clear(account, ListChangedKey)
}

// AckRequest clears the pending request from applicant once account has
// acted on it.
func (n *Notices) AckRequest(account, applicant int64) {
	n.Requests.Clear(account, applicant)
}
