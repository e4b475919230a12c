package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/campusevent/internal/auth"
	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/database"
	"github.com/dukerupert/campusevent/internal/dispatch"
	"github.com/dukerupert/campusevent/internal/model"
	"github.com/dukerupert/campusevent/internal/notice"
	"github.com/dukerupert/campusevent/internal/session"
	"github.com/dukerupert/campusevent/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingMailer struct {
	mu    sync.Mutex
	tasks []dispatch.Task
}

func (m *recordingMailer) Enqueue(t dispatch.Task) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
	return t.ID
}

func (m *recordingMailer) sent() []dispatch.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dispatch.Task(nil), m.tasks...)
}

type testEnv struct {
	accounts *store.AccountStore
	records  *store.RecordStore
	friends  *store.FriendStore
	sessions *session.Registry
	notices  *notice.Notices
	mailer   *recordingMailer
	clock    *clock.FakeClock
	accountH *AccountHandler
	friendH  *FriendHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		accounts: store.NewAccountStore(db),
		records:  store.NewRecordStore(db),
		friends:  store.NewFriendStore(db),
		notices:  notice.New(logger),
		mailer:   &recordingMailer{},
		clock:    clock.Fake(epoch),
	}
	env.sessions = session.NewRegistry(session.WithClock(env.clock))
	env.accountH = NewAccountHandler(env.accounts, env.records, env.sessions, env.mailer,
		CodeTTLs{Register: 15 * time.Minute, Reset: 5 * time.Minute}, env.clock, logger)
	env.accountH.bcryptCost = bcrypt.MinCost
	env.friendH = NewFriendHandler(env.friends, env.accounts, env.notices, 24*time.Hour, env.clock, logger)
	return env
}

// do calls h with a JSON body, authenticated as accountID when non-zero.
func do(t *testing.T, h http.HandlerFunc, method string, body any, accountID int64) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/", &buf)
	if accountID != 0 {
		req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{AccountID: accountID}))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

// get calls h with a GET for target, authenticated as accountID.
func get(t *testing.T, h http.HandlerFunc, target string, accountID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{AccountID: accountID}))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// activeAccount registers and validates an account, returning its id and
// session token.
func (env *testEnv) activeAccount(t *testing.T, email, password string) (int64, string) {
	t.Helper()
	rec := do(t, env.accountH.Register, "POST", map[string]string{"email": email, "password": password}, 0)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status = %d, body = %s", email, rec.Code, rec.Body)
	}
	a, _ := env.accounts.GetByEmail(email)
	if err := env.accounts.MarkAwaiting(a.ID, env.clock.Now()); err != nil {
		t.Fatalf("mark awaiting: %v", err)
	}
	r, _ := env.records.GetValidForAccount(model.PurposeRegistration, a.ID)

	rec = do(t, env.accountH.Validate, "POST", map[string]string{"email": email, "code": r.Code}, 0)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate %s: status = %d, body = %s", email, rec.Code, rec.Body)
	}
	p := decode[profileResponse](t, rec)
	return p.AccountID, p.Token
}
