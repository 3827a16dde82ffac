// Package esign talks to the external e-signature provider. Only envelope
// completion is consumed; the signing ceremony itself happens elsewhere.
package esign

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider envelope statuses the monitor cares about.
const (
	StatusCompleted = "completed"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusDeclined  = "declined"
	StatusVoided    = "voided"
)

type EnvelopeStatus struct {
	Status      string `json:"status"`
	CompletedAt string `json:"completedDateTime,omitempty"`
}

func (s EnvelopeStatus) Completed() bool {
	return strings.EqualFold(s.Status, StatusCompleted)
}

// Provider is the subset of the e-signature API used by pledgeline.
type Provider interface {
	GetEnvelopeStatus(ctx context.Context, envelopeID string) (EnvelopeStatus, error)
	DownloadDocuments(ctx context.Context, envelopeID string) ([]byte, error)
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("esign provider returned %d: %s", e.Code, e.Body)
}

// Client is an HTTP Provider for a REST e-signature API keyed by account.
type Client struct {
	BaseURL   string
	AccountID string
	Token     string
	HTTP      *http.Client
}

func NewClient(baseURL, accountID, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AccountID: accountID,
		Token:     token,
		HTTP:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) envelopeURL(envelopeID string, suffix ...string) string {
	parts := append([]string{c.BaseURL, "v2.1", "accounts", url.PathEscape(c.AccountID), "envelopes", url.PathEscape(envelopeID)}, suffix...)
	return strings.Join(parts, "/")
}

func (c *Client) get(ctx context.Context, u, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

func (c *Client) GetEnvelopeStatus(ctx context.Context, envelopeID string) (EnvelopeStatus, error) {
	var st EnvelopeStatus
	body, err := c.get(ctx, c.envelopeURL(envelopeID), "application/json")
	if err != nil {
		return st, fmt.Errorf("envelope %s status: %w", envelopeID, err)
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return st, fmt.Errorf("envelope %s status: decode: %w", envelopeID, err)
	}
	if st.Status == "" {
		return st, fmt.Errorf("envelope %s status: empty status", envelopeID)
	}
	return st, nil
}

// DownloadDocuments fetches the combined signed PDF.
func (c *Client) DownloadDocuments(ctx context.Context, envelopeID string) ([]byte, error) {
	body, err := c.get(ctx, c.envelopeURL(envelopeID, "documents", "combined"), "application/pdf")
	if err != nil {
		return nil, fmt.Errorf("envelope %s documents: %w", envelopeID, err)
	}
	return body, nil
}
