package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"
)

const defaultSMTPTimeout = 10 * time.Second

// SMTPTransport sends mail through an SMTP relay. Each Send opens its own
// connection, so a dropped session is simply re-dialled on the next
// attempt.
type SMTPTransport struct {
	host      string
	port      int
	username  string
	password  string
	from      mail.Address
	timeout   time.Duration
	tlsConfig *tls.Config
	now       func() time.Time
}

type SMTPOption func(*SMTPTransport)

// WithSMTPAuth enables PLAIN authentication after STARTTLS.
func WithSMTPAuth(username, password string) SMTPOption {
	return func(t *SMTPTransport) {
		t.username = username
		t.password = password
	}
}

func WithSMTPTimeout(d time.Duration) SMTPOption {
	return func(t *SMTPTransport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithTLSConfig(cfg *tls.Config) SMTPOption {
	return func(t *SMTPTransport) {
		t.tlsConfig = cfg
	}
}

func NewSMTPTransport(host string, port int, fromEmail, senderName string, opts ...SMTPOption) *SMTPTransport {
	t := &SMTPTransport{
		host:    host,
		port:    port,
		from:    mail.Address{Name: senderName, Address: fromEmail},
		timeout: defaultSMTPTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Configured returns true if a relay host and sender address are set.
func (t *SMTPTransport) Configured() bool {
	return t.host != "" && t.port > 0 && t.from.Address != ""
}

// Send delivers one message. The whole exchange is bounded by the
// transport timeout; a panic inside the SMTP client is returned as an
// error.
func (t *SMTPTransport) Send(ctx context.Context, subject, address, body string) (err error) {
	if !t.Configured() {
		return ErrNotConfigured
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("smtp send panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := t.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: t.host}
		}
		if err := c.StartTLS(cfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if t.username != "" {
		if err := c.Auth(smtp.PlainAuth("", t.username, t.password, t.host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(t.from.Address); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(address); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMessage(t.from, address, subject, body, t.now())); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	if err := c.Quit(); err != nil {
		return fmt.Errorf("smtp quit: %w", err)
	}
	return nil
}
