// Package config loads process configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port           string `env:"PORT,default=8080"`
	DBPath         string `env:"DB_PATH,default=campusevent.db"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogFormat      string `env:"LOG_FORMAT,default=text"`
	MetricsEnabled bool   `env:"METRICS_ENABLED,default=true"`

	Session  SessionConfig
	Email    EmailConfig
	Dispatch DispatchConfig
	Codes    CodeConfig
}

type SessionConfig struct {
	TTL           time.Duration `env:"SESSION_TTL,default=3h"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=10m"`
}

type EmailConfig struct {
	Provider            string        `env:"EMAIL_PROVIDER,default=log"`
	From                string        `env:"EMAIL_FROM"`
	SenderName          string        `env:"EMAIL_SENDER_NAME,default=CampusEvent"`
	SMTPHost            string        `env:"SMTP_HOST,default=smtp.gmail.com"`
	SMTPPort            int           `env:"SMTP_PORT,default=587"`
	SMTPUsername        string        `env:"SMTP_USERNAME"`
	SMTPPassword        string        `env:"SMTP_PASSWORD"`
	SMTPTimeout         time.Duration `env:"SMTP_TIMEOUT,default=10s"`
	PostmarkServerToken string        `env:"POSTMARK_SERVER_TOKEN"`
}

type DispatchConfig struct {
	RetryBase   time.Duration `env:"DISPATCH_RETRY_BASE,default=1s"`
	RetryMax    time.Duration `env:"DISPATCH_RETRY_MAX,default=1m"`
	MaxAttempts int           `env:"DISPATCH_MAX_ATTEMPTS,default=0"`
}

// CodeConfig holds the lifetimes of emailed codes and friend requests.
type CodeConfig struct {
	RegisterTTL      time.Duration `env:"REGISTER_CODE_TTL,default=15m"`
	ResetTTL         time.Duration `env:"RESET_CODE_TTL,default=5m"`
	FriendRequestTTL time.Duration `env:"FRIEND_REQUEST_TTL,default=24h"`
}

const (
	ProviderSMTP     = "smtp"
	ProviderPostmark = "postmark"
	ProviderLog      = "log"
)

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	cfg := Config{}
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return Config{}, fmt.Errorf("parsing env vars: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that envconfig cannot.
func (c Config) Validate() error {
	var errs []error

	switch c.Email.Provider {
	case ProviderLog:
	case ProviderSMTP:
		if c.Email.From == "" {
			errs = append(errs, errors.New("EMAIL_FROM is required for the smtp provider"))
		}
		if c.Email.SMTPHost == "" || c.Email.SMTPPort <= 0 {
			errs = append(errs, errors.New("SMTP_HOST and SMTP_PORT are required for the smtp provider"))
		}
	case ProviderPostmark:
		if c.Email.From == "" {
			errs = append(errs, errors.New("EMAIL_FROM is required for the postmark provider"))
		}
		if c.Email.PostmarkServerToken == "" {
			errs = append(errs, errors.New("POSTMARK_SERVER_TOKEN is required for the postmark provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER %q is not one of smtp, postmark, log", c.Email.Provider))
	}

	for name, d := range map[string]time.Duration{
		"SESSION_TTL":            c.Session.TTL,
		"SESSION_SWEEP_INTERVAL": c.Session.SweepInterval,
		"REGISTER_CODE_TTL":      c.Codes.RegisterTTL,
		"RESET_CODE_TTL":         c.Codes.ResetTTL,
		"FRIEND_REQUEST_TTL":     c.Codes.FriendRequestTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Dispatch.RetryBase < 0 || c.Dispatch.RetryMax < 0 {
		errs = append(errs, errors.New("DISPATCH_RETRY_BASE and DISPATCH_RETRY_MAX must not be negative"))
	}
	if c.Dispatch.MaxAttempts < 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must not be negative"))
	}

	return errors.Join(errs...)
}
