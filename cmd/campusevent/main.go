package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/campusevent/internal/clock"
	"github.com/dukerupert/campusevent/internal/config"
	"github.com/dukerupert/campusevent/internal/database"
	"github.com/dukerupert/campusevent/internal/dispatch"
	"github.com/dukerupert/campusevent/internal/email"
	"github.com/dukerupert/campusevent/internal/handler"
	"github.com/dukerupert/campusevent/internal/logging"
	"github.com/dukerupert/campusevent/internal/metrics"
	"github.com/dukerupert/campusevent/internal/middleware"
	"github.com/dukerupert/campusevent/internal/notice"
	"github.com/dukerupert/campusevent/internal/server"
	"github.com/dukerupert/campusevent/internal/session"
	"github.com/dukerupert/campusevent/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	transport, err := newTransport(cfg.Email, logger.With("component", "email"))
	if err != nil {
		logger.Error("failed to configure email", "error", err)
		os.Exit(1)
	}

	clk := clock.Real()
	sessions := session.NewRegistry(session.WithTTL(cfg.Session.TTL), session.WithClock(clk))
	notices := notice.New(logger.With("component", "notice"))

	var m *metrics.Metrics
	observe := func(dispatch.Task, dispatch.Outcome) {}
	if cfg.MetricsEnabled {
		m = metrics.New()
		observe = func(t dispatch.Task, o dispatch.Outcome) {
			m.ObserveOutcome(string(t.Action), string(o))
		}
	}

	dispatcher := dispatch.New(store.NewDispatchStore(db), transport, dispatch.Config{
		RetryBase:   cfg.Dispatch.RetryBase,
		RetryMax:    cfg.Dispatch.RetryMax,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, logger.With("component", "dispatch"), dispatch.WithClock(clk), dispatch.WithObserver(observe))

	if m != nil {
		m.Gauge("dispatch", "queue_depth", "Undelivered tasks, including those waiting to retry.", func() float64 {
			return float64(dispatcher.Len())
		})
		m.Gauge("session", "active", "Session tokens that have not expired.", func() float64 {
			return float64(sessions.Live())
		})
		m.Gauge("session", "stored", "Session tokens held in memory, including expired ones not yet swept.", func() float64 {
			return float64(sessions.Len())
		})
		m.Gauge("notice", "request_recipients", "Accounts with unread friend requests.", func() float64 {
			return float64(notices.Requests.Recipients())
		})
		m.Gauge("notice", "list_recipients", "Accounts with an unread friend-list change.", func() float64 {
			return float64(notices.ListChanged.Recipients())
		})
	}

	srv := server.New(db, sessions, notices, dispatcher, server.Options{
		Codes: handler.CodeTTLs{
			Register: cfg.Codes.RegisterTTL,
			Reset:    cfg.Codes.ResetTTL,
		},
		FriendRequestTTL: cfg.Codes.FriendRequestTTL,
	}, m, clk, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	go runJanitor(ctx, cfg.Session.SweepInterval, sessions, srv.RateLimiter(), logger.With("component", "janitor"))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("campusevent running", "port", cfg.Port, "email_provider", cfg.Email.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	dispatcher.Stop()
	if n := dispatcher.Len(); n > 0 {
		logger.Warn("dropping undelivered emails", "count", n)
	}
}

func newTransport(cfg config.EmailConfig, logger *slog.Logger) (dispatch.Transport, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		t := email.NewSMTPTransport(cfg.SMTPHost, cfg.SMTPPort, cfg.From, cfg.SenderName,
			email.WithSMTPAuth(cfg.SMTPUsername, cfg.SMTPPassword),
			email.WithSMTPTimeout(cfg.SMTPTimeout),
		)
		if !t.Configured() {
			return nil, fmt.Errorf("smtp: %w", email.ErrNotConfigured)
		}
		return t, nil
	case config.ProviderPostmark:
		t := email.NewPostmarkTransport(cfg.PostmarkServerToken, cfg.From, cfg.SenderName)
		if !t.Configured() {
			return nil, fmt.Errorf("postmark: %w", email.ErrNotConfigured)
		}
		return t, nil
	default:
		logger.Warn("emails will be logged instead of sent")
		return email.NewLogTransport(logger), nil
	}
}

// runJanitor periodically evicts expired sessions and stale rate-limit
// windows until ctx is cancelled.
func runJanitor(ctx context.Context, interval time.Duration, sessions *session.Registry, limiter *middleware.RateLimiter, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(); n > 0 {
				logger.Debug("evicted expired sessions", "count", n)
			}
			if n := limiter.Cleanup(); n > 0 {
				logger.Debug("evicted rate limit windows", "count", n)
			}
		}
	}
}
