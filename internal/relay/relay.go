// Package relay forwards the event log to configured webhooks.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pledgeline/internal/config"
	"pledgeline/internal/domain"
	"pledgeline/internal/metrics"
	"pledgeline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Relay polls the event log and posts new events to each webhook in order.
// A hook's cursor only advances past events it accepted (or filtered out),
// so a failing endpoint is retried from the same event on the next poll.
type Relay struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	Getenv   func(string) string

	mu      sync.Mutex
	cursors map[string]int64
}

func New(r repo.Repo, hooks []config.Webhook, m *metrics.Metrics, log zerolog.Logger) *Relay {
	return &Relay{
		Repo:     r,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultTimeout},
		Interval: defaultInterval,
		Metrics:  m,
		Log:      log,
		Getenv:   os.Getenv,
		cursors:  make(map[string]int64),
	}
}

// Run polls until ctx is done. Hooks start at the newest event; history
// before start-up is not replayed.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.Hooks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per hook.
func (r *Relay) DispatchOnce(ctx context.Context) {
	for _, hook := range r.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		r.dispatch(ctx, hook)
	}
}

func (r *Relay) dispatch(ctx context.Context, hook config.Webhook) {
	cursor, err := r.cursorFor(ctx, hook.ID)
	if err != nil {
		r.Log.Error().Err(err).Str("hook", hook.ID).Msg("init webhook cursor")
		return
	}
	events, err := r.Repo.ListEvents(ctx, domain.Owner{}, cursor, defaultBatch)
	if err != nil {
		r.Log.Error().Err(err).Str("hook", hook.ID).Msg("fetch events")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			r.setCursor(hook.ID, evt.ID)
			continue
		}
		if err := r.deliver(ctx, hook, evt); err != nil {
			r.Metrics.Delivery(hook.ID, false)
			r.Log.Warn().Err(err).Str("hook", hook.ID).Int64("event_id", evt.ID).Msg("webhook delivery failed")
			return
		}
		r.Metrics.Delivery(hook.ID, true)
		r.setCursor(hook.ID, evt.ID)
	}
}

// Cursor returns the last event id delivered to a hook.
func (r *Relay) Cursor(hookID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.cursors[hookID]
	return cur, ok
}

// SetCursor positions a hook, for example to replay from the start.
func (r *Relay) SetCursor(hookID string, id int64) {
	r.setCursor(hookID, id)
}

func (r *Relay) cursorFor(ctx context.Context, hookID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursors == nil {
		r.cursors = make(map[string]int64)
	}
	if cur, ok := r.cursors[hookID]; ok {
		return cur, nil
	}
	cur, err := r.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	r.cursors[hookID] = cur
	return cur, nil
}

func (r *Relay) setCursor(hookID string, id int64) {
	r.mu.Lock()
	if r.cursors == nil {
		r.cursors = make(map[string]int64)
	}
	r.cursors[hookID] = id
	r.mu.Unlock()
}

type Delivery struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Owner   *domain.Owner   `json:"owner,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	ActorID string          `json:"actor_id"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func newDelivery(evt domain.Event) Delivery {
	d := Delivery{ID: evt.ID, Type: evt.Type, TaskID: evt.TaskID, ActorID: evt.ActorID, TS: evt.TS, Payload: json.RawMessage(`{}`)}
	if evt.OwnerKind != "" {
		d.Owner = &domain.Owner{Kind: domain.OwnerKind(evt.OwnerKind), ID: evt.OwnerID}
	}
	if json.Valid([]byte(evt.Payload)) {
		d.Payload = json.RawMessage(evt.Payload)
	}
	return d
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *Relay) deliver(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	body, err := json.Marshal(newDelivery(evt))
	if err != nil {
		return err
	}
	secret := ""
	if hook.SecretEnv != "" && r.Getenv != nil {
		secret = r.Getenv(hook.SecretEnv)
	}
	var lastErr error
	for attempt := 0; attempt <= hook.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if lastErr = r.post(ctx, hook.URL, secret, evt, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (r *Relay) post(ctx context.Context, url, secret string, evt domain.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pledgeline-Event", evt.Type)
	req.Header.Set("X-Pledgeline-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret != "" {
		req.Header.Set("X-Pledgeline-Signature", "sha256="+Sign(secret, body))
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

// newEventFilter accepts exact types and "family.*" wildcards.
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	var prefixes []string
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			prefixes = append(prefixes, strings.TrimSuffix(key, "*"))
		default:
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 && len(prefixes) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set, prefixes: prefixes}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
