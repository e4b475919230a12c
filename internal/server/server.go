package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/handler"
	"github.com/dukerupert/campusevent/internal/metrics"
	"github.com/dukerupert/campusevent/internal/middleware"
	"github.com/dukerupert/campusevent/internal/notice"
	"github.com/dukerupert/campusevent/internal/session"
	"github.com/dukerupert/campusevent/internal/store"
)

// Public endpoints allow this many requests per client IP per minute.
const publicRateLimit = 10

type Server struct {
	db          *sql.DB
	accountH    *handler.AccountHandler
	friendH     *handler.FriendHandler
	sessions    *session.Registry
	rateLimiter *middleware.RateLimiter
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Options carries the durations that govern codes and friend requests.
type Options struct {
	Codes            handler.CodeTTLs
	FriendRequestTTL time.Duration
}

// New wires the HTTP handlers. m may be nil to leave /metrics unmounted.
func New(
	db *sql.DB,
	sessions *session.Registry,
	notices *notice.Notices,
	mailer handler.Mailer,
	opts Options,
	m *metrics.Metrics,
	clk clock.Clock,
	logger *slog.Logger,
) *Server {
	accountStore := store.NewAccountStore(db)
	recordStore := store.NewRecordStore(db)
	friendStore := store.NewFriendStore(db)

	return &Server{
		db:          db,
		accountH:    handler.NewAccountHandler(accountStore, recordStore, sessions, mailer, opts.Codes, clk, logger.With("component", "account")),
		friendH:     handler.NewFriendHandler(friendStore, accountStore, notices, opts.FriendRequestTTL, clk, logger.With("component", "friend")),
		sessions:    sessions,
		rateLimiter: middleware.NewRateLimiter(clk),
		metrics:     m,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no session required)
	outerMux.HandleFunc("POST /api/register", s.rateLimitedHandler(s.accountH.Register))
	outerMux.HandleFunc("POST /api/validate", s.rateLimitedHandler(s.accountH.Validate))
	outerMux.HandleFunc("POST /api/login", s.rateLimitedHandler(s.accountH.Login))
	outerMux.HandleFunc("POST /api/forget", s.rateLimitedHandler(s.accountH.Forget))
	outerMux.HandleFunc("POST /api/forget/validate", s.rateLimitedHandler(s.accountH.ForgetValidate))
	outerMux.HandleFunc("GET /health", s.healthHandler)
	if s.metrics != nil {
		outerMux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Protected routes
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	outerMux.Handle("/", middleware.RequireSession(s.sessions)(protectedMux))

	return middleware.RequestID(middleware.RequestLogger(s.logger.With("component", "http"))(outerMux))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return r.URL.Path + "|" + middleware.RealIP(r)
	}
	return middleware.RateLimit(s.rateLimiter, keyFunc, publicRateLimit, time.Minute)(h).ServeHTTP
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/logout", s.accountH.Logout)
	mux.HandleFunc("GET /api/profile", s.accountH.Profile)

	mux.HandleFunc("GET /api/friends", s.friendH.List)
	mux.HandleFunc("POST /api/friends", s.friendH.Apply)
	mux.HandleFunc("GET /api/friends/search", s.friendH.Search)
	mux.HandleFunc("GET /api/friends/notice", s.friendH.Notice)
	mux.HandleFunc("POST /api/friends/action", s.friendH.Action)
	mux.HandleFunc("POST /api/friends/remove", s.friendH.Remove)
}
