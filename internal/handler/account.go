package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/campusevent/internal/auth"
	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/dispatch"
	"github.com/dukerupert/campusevent/internal/email"
	"github.com/dukerupert/campusevent/internal/ident"
	"github.com/dukerupert/campusevent/internal/model"
	"github.com/dukerupert/campusevent/internal/session"
	"github.com/dukerupert/campusevent/internal/store"
)

const (
	defaultNickname = "User"
	defaultMajor    = "Unknown"
	defaultAvatar   = "37cKxzwdSrF3YWlGC0PKEUrs"
)

// Mailer queues outbound email for background delivery.
type Mailer interface {
	Enqueue(t dispatch.Task) string
}

// CodeTTLs are the lifetimes of emailed verification codes.
type CodeTTLs struct {
	Register time.Duration
	Reset    time.Duration
}

type AccountHandler struct {
	accounts   *store.AccountStore
	records    *store.RecordStore
	sessions   *session.Registry
	mailer     Mailer
	ttls       CodeTTLs
	clock      clock.Clock
	bcryptCost int
	logger     *slog.Logger
}

func NewAccountHandler(
	as *store.AccountStore,
	rs *store.RecordStore,
	sessions *session.Registry,
	mailer Mailer,
	ttls CodeTTLs,
	clk clock.Clock,
	logger *slog.Logger,
) *AccountHandler {
	return &AccountHandler{
		accounts:   as,
		records:    rs,
		sessions:   sessions,
		mailer:     mailer,
		ttls:       ttls,
		clock:      clk,
		bcryptCost: bcrypt.DefaultCost,
		logger:     logger,
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type codeRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

type profile struct {
	AccountID int64  `json:"account_id"`
	Nickname  string `json:"nickname"`
	Major     string `json:"major"`
	Avatar    string `json:"avatar"`
}

func profileOf(a *model.Account) profile {
	return profile{AccountID: a.ID, Nickname: a.Nickname, Major: a.Major, Avatar: a.AvatarURL}
}

type profileResponse struct {
	profile
	Token string `json:"token"`
}

func normalizeEmail(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return s, true
}

func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := normalizeEmail(req.Email)
	if !ok || req.Password == "" {
		writeError(w, http.StatusBadRequest, "a valid email and password are required")
		return
	}

	now := h.clock.Now()
	existing, err := h.accounts.GetByEmail(addr, model.AccountCreated, model.AccountAwaiting, model.AccountValid)
	if err != nil {
		h.logger.Error("register lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}
	if existing != nil {
		if existing.Status == model.AccountValid {
			writeError(w, http.StatusConflict, "account already exists")
			return
		}
		if done := h.resumeRegistration(w, existing, now); done {
			return
		}
	}

	code, err := ident.NewCode()
	if err != nil {
		h.logger.Error("generate code", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}
	suffix, err := ident.NewNicknameSuffix()
	if err != nil {
		h.logger.Error("generate nickname", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.bcryptCost)
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	account, record, err := h.accounts.Register(store.NewAccount{
		Email:        addr,
		PasswordHash: string(hash),
		Nickname:     defaultNickname + suffix,
		Major:        defaultMajor,
		AvatarURL:    defaultAvatar,
	}, code, now.Add(h.ttls.Register), now)
	if err != nil {
		h.logger.Error("create account", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	h.enqueueRegistration(account, record)
	writeJSON(w, http.StatusCreated, map[string]any{"status": "sent", "account_id": account.ID})
}

// resumeRegistration handles a repeat registration for an account that
// has not been validated yet. It reports true if it wrote the response;
// false means the old registration has expired and a new one should be
// created.
func (h *AccountHandler) resumeRegistration(w http.ResponseWriter, account *model.Account, now time.Time) bool {
	record, err := h.records.GetValidForAccount(model.PurposeRegistration, account.ID)
	if err != nil {
		h.logger.Error("register record lookup", "error", err, "account_id", account.ID)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return true
	}
	if record == nil {
		h.logger.Error("pending account has no register record", "account_id", account.ID)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return true
	}

	if record.Expired(now) {
		if _, err := h.accounts.ExpireRegistration(record.ID, account.ID, now); err != nil {
			h.logger.Error("expire registration", "error", err, "account_id", account.ID)
			writeError(w, http.StatusInternalServerError, "failed to register")
			return true
		}
		h.logger.Info("registration expired", "account_id", account.ID)
		return false
	}

	if account.UpdatedAt.Add(h.ttls.Register / 10).Before(now) {
		h.logger.Info("resending validation email", "account_id", account.ID)
		h.enqueueRegistration(account, record)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resend"})
	return true
}

func (h *AccountHandler) enqueueRegistration(account *model.Account, record *model.PendingRecord) {
	h.mailer.Enqueue(dispatch.Task{
		Action:    dispatch.ActionRegistration,
		AccountID: account.ID,
		RecordID:  record.ID,
		Address:   account.Email,
		Subject:   email.RegistrationSubject,
		Body:      email.RenderRegistration(account.Nickname, record.Code),
	})
}

func (h *AccountHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := normalizeEmail(req.Email)
	if !ok || req.Code == "" {
		writeError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	account, err := h.accounts.GetByEmail(addr, model.AccountAwaiting)
	if err != nil {
		h.logger.Error("validate lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to validate")
		return
	}
	if account == nil {
		writeError(w, http.StatusBadRequest, "invalid email or code")
		return
	}
	record, err := h.records.GetValidByCode(model.PurposeRegistration, account.ID, strings.TrimSpace(req.Code))
	if err != nil {
		h.logger.Error("validate record lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to validate")
		return
	}
	if record == nil {
		writeError(w, http.StatusBadRequest, "invalid email or code")
		return
	}

	now := h.clock.Now()
	if record.Expired(now) {
		if _, err := h.accounts.ExpireRegistration(record.ID, account.ID, now); err != nil {
			h.logger.Error("expire registration", "error", err, "account_id", account.ID)
		}
		writeError(w, http.StatusGone, "verification code expired")
		return
	}

	if err := h.accounts.Activate(account.ID, record.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusBadRequest, "invalid email or code")
			return
		}
		h.logger.Error("activate account", "error", err, "account_id", account.ID)
		writeError(w, http.StatusInternalServerError, "failed to validate")
		return
	}

	h.writeSession(w, account)
}

func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := normalizeEmail(req.Email)
	if !ok || req.Password == "" {
		writeError(w, http.StatusBadRequest, "a valid email and password are required")
		return
	}

	account, err := h.accounts.GetByEmail(addr, model.AccountValid)
	if err != nil {
		h.logger.Error("login lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to log in")
		return
	}
	if account == nil || bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	h.writeSession(w, account)
}

func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Revoke(auth.AccountID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Profile returns the public profile of the caller, or of the valid
// account named by the account_id query parameter.
func (h *AccountHandler) Profile(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid account_id")
			return
		}
		accountID = id
	}

	account, err := h.accounts.GetByID(accountID)
	if err != nil {
		h.logger.Error("profile lookup", "error", err, "account_id", accountID)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if account == nil || account.Status != model.AccountValid {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, profileOf(account))
}

func (h *AccountHandler) Forget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := normalizeEmail(req.Email)
	if !ok {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	account, err := h.accounts.GetByEmail(addr, model.AccountValid)
	if err != nil {
		h.logger.Error("forget lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	code, err := ident.NewCode()
	if err != nil {
		h.logger.Error("generate code", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}
	now := h.clock.Now()
	record, err := h.records.CreateReset(account.ID, code, now.Add(h.ttls.Reset), now)
	if err != nil {
		h.logger.Error("create reset record", "error", err, "account_id", account.ID)
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}

	h.mailer.Enqueue(dispatch.Task{
		Action:    dispatch.ActionReset,
		AccountID: account.ID,
		RecordID:  record.ID,
		Address:   account.Email,
		Subject:   email.ResetSubject,
		Body:      email.RenderReset(account.Nickname, record.Code),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *AccountHandler) ForgetValidate(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := normalizeEmail(req.Email)
	if !ok || req.Code == "" {
		writeError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	account, err := h.accounts.GetByEmail(addr, model.AccountValid)
	if err != nil {
		h.logger.Error("forget validate lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to validate")
		return
	}
	if account == nil {
		writeError(w, http.StatusBadRequest, "invalid email or code")
		return
	}
	record, err := h.records.GetValidByCode(model.PurposeReset, account.ID, strings.TrimSpace(req.Code))
	if err != nil {
		h.logger.Error("reset record lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to validate")
		return
	}
	if record == nil {
		writeError(w, http.StatusBadRequest, "invalid email or code")
		return
	}

	now := h.clock.Now()
	if record.Expired(now) {
		if _, err := h.records.Invalidate(model.PurposeReset, record.ID, now); err != nil {
			h.logger.Error("invalidate reset record", "error", err, "account_id", account.ID)
		}
		writeError(w, http.StatusGone, "verification code expired")
		return
	}

	var hash []byte
	if req.Password != "" {
		hash, err = bcrypt.GenerateFromPassword([]byte(req.Password), h.bcryptCost)
		if err != nil {
			h.logger.Error("hash password", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update password")
			return
		}
	}
	if err := h.accounts.ConsumeReset(account.ID, record.ID, string(hash), now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusBadRequest, "invalid email or code")
			return
		}
		h.logger.Error("consume reset record", "error", err, "account_id", account.ID)
		writeError(w, http.StatusInternalServerError, "failed to update password")
		return
	}

	h.writeSession(w, account)
}

func (h *AccountHandler) writeSession(w http.ResponseWriter, account *model.Account) {
	token, err := h.sessions.Issue(account.ID)
	if err != nil {
		h.logger.Error("issue session", "error", err, "account_id", account.ID)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{profile: profileOf(account), Token: token})
}
