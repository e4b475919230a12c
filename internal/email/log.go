package email

import (
	"context"
	"log/slog"
)

// LogTransport writes messages to the log instead of sending them. It is
// meant for local development.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, subject, address, body string) error {
	t.logger.InfoContext(ctx, "email not sent, log transport",
		"to", address,
		"subject", subject,
		"body", body,
	)
	return nil
}
