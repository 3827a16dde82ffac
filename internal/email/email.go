// Package email delivers transactional mail. Delivery is best effort: callers
// report failures as warnings and never fail the owning transition.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Message struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Sender is the email provider contract.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPSender posts messages as JSON to a provider endpoint.
type HTTPSender struct {
	Endpoint string
	APIKey   string
	From     string
	HTTP     *http.Client
}

func NewHTTPSender(endpoint, apiKey, from string) *HTTPSender {
	return &HTTPSender{Endpoint: endpoint, APIKey: apiKey, From: from, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = s.From
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	hc := s.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send email to %s: provider returned %d", msg.To, resp.StatusCode)
	}
	return nil
}

// LogSender only logs messages. It is the default provider for local workspaces.
type LogSender struct {
	Logger zerolog.Logger
	From   string
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = s.From
	}
	s.Logger.Info().Str("to", msg.To).Str("from", msg.From).Str("subject", msg.Subject).Msg("email not delivered (log provider)")
	return nil
}
