package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/campusevent/internal/auth"
	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/model"
	"github.com/dukerupert/campusevent/internal/notice"
	"github.com/dukerupert/campusevent/internal/store"
)

const (
	actionAccept = 1
	actionReject = 2

	maxMessageLen = 200
	searchLimit   = 50
)

type FriendHandler struct {
	friends    *store.FriendStore
	accounts   *store.AccountStore
	notices    *notice.Notices
	requestTTL time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

func NewFriendHandler(
	fs *store.FriendStore,
	as *store.AccountStore,
	notices *notice.Notices,
	requestTTL time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) *FriendHandler {
	return &FriendHandler{
		friends:    fs,
		accounts:   as,
		notices:    notices,
		requestTTL: requestTTL,
		clock:      clk,
		logger:     logger,
	}
}

// List returns the caller's friends and clears their list-changed flag.
func (h *FriendHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	friends, err := h.friends.ListFriends(accountID)
	if err != nil {
		h.logger.Error("list friends", "error", err, "account_id", accountID)
		writeError(w, http.StatusInternalServerError, "failed to list friends")
		return
	}
	if friends == nil {
		friends = []model.Friend{}
	}
	h.notices.AckListChanged(accountID)

	writeJSON(w, http.StatusOK, map[string]any{
		"friend":      friends,
		"total_count": len(friends),
	})
}

// Search finds valid accounts by email prefix, or by nickname prefix
// when no email is given. The caller is never included.
func (h *FriendHandler) Search(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	field, prefix := store.SearchEmail, strings.TrimSpace(r.URL.Query().Get("email"))
	if prefix == "" {
		field, prefix = store.SearchNickname, strings.TrimSpace(r.URL.Query().Get("nickname"))
	}
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "email or nickname is required")
		return
	}

	results, err := h.friends.Search(accountID, field, prefix, searchLimit)
	if err != nil {
		h.logger.Error("search accounts", "error", err, "account_id", accountID)
		writeError(w, http.StatusInternalServerError, "failed to search")
		return
	}
	if results == nil {
		results = []model.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":      results,
		"total_count": len(results),
	})
}

// Apply sends a friend request and notifies the target.
func (h *FriendHandler) Apply(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	var req struct {
		FriendID int64  `json:"friend_id"`
		Message  string `json:"message"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.FriendID == 0 || req.FriendID == accountID {
		writeError(w, http.StatusBadRequest, "invalid friend_id")
		return
	}
	if len(req.Message) > maxMessageLen {
		writeError(w, http.StatusBadRequest, "message is too long")
		return
	}

	target, err := h.accounts.GetByID(req.FriendID)
	if err != nil {
		h.logger.Error("friend target lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send request")
		return
	}
	if target == nil || target.Status != model.AccountValid {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	already, err := h.friends.AreFriends(accountID, req.FriendID)
	if err != nil {
		h.logger.Error("check friendship", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send request")
		return
	}
	if already {
		writeError(w, http.StatusConflict, "already friends")
		return
	}

	now := h.clock.Now()
	pending, err := h.friends.GetPendingRequest(accountID, req.FriendID)
	if err != nil {
		h.logger.Error("pending request lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send request")
		return
	}
	if pending != nil {
		if pending.Expired(now) {
			if _, err := h.friends.RejectRequest(pending.ID, now); err != nil {
				h.logger.Error("expire friend request", "error", err, "request_id", pending.ID)
			}
			writeError(w, http.StatusGone, "previous request expired")
			return
		}
		writeError(w, http.StatusConflict, "request already pending")
		return
	}

	applicant, err := h.accounts.GetByID(accountID)
	if err != nil || applicant == nil {
		h.logger.Error("applicant lookup", "error", err, "account_id", accountID)
		writeError(w, http.StatusInternalServerError, "failed to send request")
		return
	}

	created, err := h.friends.CreateRequest(accountID, req.FriendID, req.Message, now.Add(h.requestTTL), now)
	if err != nil {
		h.logger.Error("create friend request", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send request")
		return
	}

	h.notices.PublishRequest(req.FriendID, notice.FriendRequest{
		RequestID: created.ID,
		AccountID: accountID,
		Nickname:  applicant.Nickname,
		Avatar:    applicant.AvatarURL,
		Message:   created.Message,
		Timestamp: clock.Millis(now),
	})
	writeJSON(w, http.StatusCreated, map[string]int64{"request_id": created.ID})
}

// Notice reports pending friend notifications without clearing them.
func (h *FriendHandler) Notice(w http.ResponseWriter, r *http.Request) {
	summary := h.notices.Poll(auth.AccountID(r.Context()))

	updated := 0
	if summary.ListUpdated {
		updated = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"friend_list_updated": updated,
		"request":             summary.Requests,
	})
}

// Action accepts or rejects a request addressed to the caller.
func (h *FriendHandler) Action(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	var req struct {
		RequestID int64 `json:"request_id"`
		Action    int   `json:"action"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RequestID == 0 || (req.Action != actionAccept && req.Action != actionReject) {
		writeError(w, http.StatusBadRequest, "invalid request_id or action")
		return
	}

	fr, err := h.friends.GetRequest(req.RequestID)
	if err != nil {
		h.logger.Error("friend request lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update request")
		return
	}
	if fr == nil || fr.Status != model.FriendRequestPending {
		writeError(w, http.StatusBadRequest, "request is not pending")
		return
	}
	if fr.TargetID != accountID {
		writeError(w, http.StatusForbidden, "request is addressed to another account")
		return
	}

	now := h.clock.Now()
	if fr.Expired(now) {
		if _, err := h.friends.RejectRequest(fr.ID, now); err != nil {
			h.logger.Error("expire friend request", "error", err, "request_id", fr.ID)
		}
		h.notices.AckRequest(accountID, fr.AccountID)
		writeError(w, http.StatusGone, "request expired")
		return
	}

	switch req.Action {
	case actionAccept:
		if err := h.friends.Accept(fr.ID, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				writeError(w, http.StatusConflict, "request is not pending")
				return
			}
			h.logger.Error("accept friend request", "error", err, "request_id", fr.ID)
			writeError(w, http.StatusInternalServerError, "failed to update request")
			return
		}
		h.notices.PublishListChanged(accountID, fr.AccountID)
	case actionReject:
		rejected, err := h.friends.RejectRequest(fr.ID, now)
		if err != nil {
			h.logger.Error("reject friend request", "error", err, "request_id", fr.ID)
			writeError(w, http.StatusInternalServerError, "failed to update request")
			return
		}
		if !rejected {
			writeError(w, http.StatusConflict, "request is not pending")
			return
		}
	}

	h.notices.AckRequest(accountID, fr.AccountID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Remove ends a friendship in both directions and flags both lists.
func (h *FriendHandler) Remove(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	var req struct {
		FriendID int64 `json:"friend_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FriendID == 0 || req.FriendID == accountID {
		writeError(w, http.StatusBadRequest, "invalid friend_id")
		return
	}

	if err := h.friends.Remove(accountID, req.FriendID, h.clock.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not friends")
			return
		}
		h.logger.Error("remove friend", "error", err, "account_id", accountID)
		writeError(w, http.StatusInternalServerError, "failed to remove friend")
		return
	}

	h.notices.PublishListChanged(accountID, req.FriendID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
