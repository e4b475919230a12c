package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// PostmarkTransport sends mail through the Postmark HTTP API.
type PostmarkTransport struct {
	serverToken string
	from        mail.Address
	httpClient  *http.Client
}

type Option func(*PostmarkTransport)

func WithHTTPClient(c *http.Client) Option {
	return func(t *PostmarkTransport) {
		t.httpClient = c
	}
}

func NewPostmarkTransport(serverToken, fromEmail, senderName string, opts ...Option) *PostmarkTransport {
	t := &PostmarkTransport{
		serverToken: serverToken,
		from:        mail.Address{Name: senderName, Address: fromEmail},
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Configured returns true if the server token is set.
func (t *PostmarkTransport) Configured() bool {
	return t.serverToken != ""
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream,omitempty"`
}

type postmarkError struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (t *PostmarkTransport) Send(ctx context.Context, subject, address, body string) error {
	if !t.Configured() {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(postmarkEmail{
		From:          t.from.String(),
		To:            address,
		Subject:       subject,
		TextBody:      body,
		MessageStream: "outbound",
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", t.serverToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var pe postmarkError
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); json.Unmarshal(data, &pe) == nil && pe.Message != "" {
			return fmt.Errorf("postmark API error: status %d: code %d: %s", resp.StatusCode, pe.ErrorCode, pe.Message)
		}
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
