package email

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "key", "noreply@example.org")
	require.NoError(t, s.Send(context.Background(), Message{To: "a@x.com", Subject: "hi", HTML: "<p>x</p>"}))
	assert.Equal(t, "noreply@example.org", got.From)
	assert.Equal(t, "a@x.com", got.To)
}

func TestHTTPSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewHTTPSender(srv.URL, "", "").Send(context.Background(), Message{To: "a@x.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := LogSender{Logger: zerolog.New(&buf), From: "noreply@example.org"}
	require.NoError(t, s.Send(context.Background(), Message{To: "a@x.com", Subject: "hi"}))
	assert.Contains(t, buf.String(), `"to":"a@x.com"`)
}

func TestInvitationTemplate(t *testing.T) {
	msg, err := Invitation("v@x.com", InvitationData{
		AcceptURL: "https://app/invitations/tok?a=1&b=2",
		ExpiresAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "v@x.com", msg.To)
	assert.Contains(t, msg.HTML, "A donor has invited you")
	assert.Contains(t, msg.HTML, "a=1&amp;b=2")
	assert.Contains(t, msg.HTML, "1 March 2024")
}
