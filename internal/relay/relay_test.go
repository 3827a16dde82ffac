package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/config"
	"pledgeline/internal/db"
	"pledgeline/internal/engine"
	"pledgeline/internal/engine/auth"
	"pledgeline/internal/migrate"
	"pledgeline/internal/relay"
)

type sink struct {
	mu     sync.Mutex
	status int
	got    []relay.Delivery
	sigs   []string
	bodies [][]byte
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	var d relay.Delivery
	_ = json.Unmarshal(body, &d)
	s.got = append(s.got, d)
	s.sigs = append(s.sigs, r.Header.Get("X-Pledgeline-Signature"))
	s.bodies = append(s.bodies, body)
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(conn, config.Default())
}

func startParticipation(t *testing.T, eng engine.Engine, campaign string) {
	t.Helper()
	_, err := eng.StartParticipation(context.Background(), auth.Actor{UserID: "donor-1"}, engine.StartParticipationOptions{
		CampaignID: campaign, DonorID: "donor-1", OrganizationApproverID: "org-1",
	})
	require.NoError(t, err)
}

func TestRelayDeliversNewEventsInOrder(t *testing.T) {
	eng := newEngine(t)
	startParticipation(t, eng, "before")

	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()
	r := relay.New(eng.Repo, []config.Webhook{{ID: "crm", URL: srv.URL, Events: []string{"participation.*"}, SecretEnv: "HOOK_SECRET"}}, nil, zerolog.Nop())
	r.Getenv = func(string) string { return "shh" }

	ctx := context.Background()
	r.DispatchOnce(ctx)
	assert.Empty(t, s.got, "history before start-up is not replayed")

	startParticipation(t, eng, "c1")
	startParticipation(t, eng, "c2")
	r.DispatchOnce(ctx)
	require.Len(t, s.got, 2)
	assert.Equal(t, "participation.started", s.got[0].Type)
	require.NotNil(t, s.got[0].Owner)
	assert.Equal(t, "c1_donor-1", s.got[0].Owner.ID)
	assert.Equal(t, "c2_donor-1", s.got[1].Owner.ID)
	assert.Less(t, s.got[0].ID, s.got[1].ID)
	assert.Equal(t, "sha256="+relay.Sign("shh", s.bodies[0]), s.sigs[0])

	r.DispatchOnce(ctx)
	assert.Len(t, s.got, 2, "delivered events are not sent again")
}

func TestRelayRetriesFromFailedEvent(t *testing.T) {
	eng := newEngine(t)
	s := &sink{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(s)
	defer srv.Close()
	r := relay.New(eng.Repo, []config.Webhook{{ID: "ops", URL: srv.URL}}, nil, zerolog.Nop())

	ctx := context.Background()
	r.DispatchOnce(ctx)
	start, ok := r.Cursor("ops")
	require.True(t, ok)

	startParticipation(t, eng, "c1")
	r.DispatchOnce(ctx)
	cur, _ := r.Cursor("ops")
	assert.Equal(t, start, cur)

	s.mu.Lock()
	s.status = 0
	s.mu.Unlock()
	r.DispatchOnce(ctx)
	require.NotEmpty(t, s.got)
	assert.Equal(t, "participation.started", s.got[0].Type)
	cur, _ = r.Cursor("ops")
	assert.Greater(t, cur, start)
}
