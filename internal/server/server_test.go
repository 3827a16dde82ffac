package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/config"
	"pledgeline/internal/db"
	"pledgeline/internal/domain"
	"pledgeline/internal/email"
	"pledgeline/internal/engine"
	"pledgeline/internal/metrics"
	"pledgeline/internal/migrate"
	"pledgeline/internal/monitor"
	"pledgeline/internal/repo"
	"pledgeline/internal/template"
)

const testSecret = "test-secret"

type captureMailer struct {
	mu   sync.Mutex
	sent []email.Message
}

func (m *captureMailer) Send(_ context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

var tokenPattern = regexp.MustCompile(`accept\.test/([A-Za-z0-9_\-]+)`)

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	match := tokenPattern.FindStringSubmatch(m.sent[len(m.sent)-1].HTML)
	require.Len(t, match, 2)
	return match[1]
}

type fakeRunner struct {
	mu       sync.Mutex
	triggers []string
	last     *monitor.Summary
}

func (f *fakeRunner) RunNow(_ context.Context, trigger string) (monitor.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	sum := monitor.Summary{Trigger: trigger, Results: []monitor.CheckResult{}}
	f.last = &sum
	return sum, nil
}

func (f *fakeRunner) Last() (monitor.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return monitor.Summary{}, false
	}
	return *f.last, true
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Mailer *captureMailer
	client *http.Client
}

func newTestServer(t *testing.T, runner MonitorRunner) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Email.AcceptURL = "https://accept.test/"
	mailer := &captureMailer{}
	m := metrics.New()
	e := engine.New(conn, cfg)
	e.Mailer = mailer
	e.Metrics = m

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Monitor:  runner,
		Metrics:  m.Handler(),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Mailer: mailer,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func bearer(t *testing.T, c TokenClaims) map[string]string {
	t.Helper()
	tok, err := MintToken(testSecret, c, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

var (
	donorClaims = TokenClaims{Subject: "donor-1", Email: "donor@example.org", EmailVerified: true}
	adminClaims = TokenClaims{Subject: "ops", Roles: []string{"admin"}}
)

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func (ts *testServer) start(t *testing.T) domain.Owner {
	t.Helper()
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/participations", StartParticipationRequest{
		CampaignID:             "camp",
		OrganizationApproverID: "org-1",
	}, bearer(t, donorClaims))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out engine.ParticipationResult
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Tasks, len(template.Steps()))
	return out.Participation.Owner()
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, nil)

	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/owners/participant/camp_donor-1/tasks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/owners/participant/camp_donor-1/tasks", nil,
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	forged, err := MintToken("other-secret", donorClaims, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/owners/participant/camp_donor-1/tasks", nil,
		map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAPIKeyAuthentication(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	tx, err := ts.Engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ts.Engine.Repo.EnsureUser(ctx, tx, "donor-2", "d2@example.org", "2024-01-01T00:00:00Z"))
	require.NoError(t, ts.Engine.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID: "key-1", UserID: "donor-2", Name: "ci", KeyHash: repo.HashAPIKey("sekrit"),
	}))
	require.NoError(t, tx.Commit())

	headers := map[string]string{"X-Api-Key": "sekrit"}
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/participations", StartParticipationRequest{
		CampaignID: "camp", OrganizationApproverID: "org-1",
	}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var out engine.ParticipationResult
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "donor-2", out.Participation.UserID)

	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/owners/participant/camp_donor-2/tasks", nil,
		map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTaskRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := ts.start(t)
	donor := bearer(t, donorClaims)
	docs := domain.TaskID(owner, template.StepDonorDocuments)
	decision := domain.TaskID(owner, template.StepCommitmentDecision)

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/tasks/"+docs+"/complete", nil, donor)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "task_blocked", errorCode(t, data))

	stranger := bearer(t, TokenClaims{Subject: "someone-else"})
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/tasks/"+decision+"/commitment-decision",
		CommitmentDecisionRequest{Decision: "commit_now", Amount: 250}, stranger)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/tasks/"+decision+"/commitment-decision",
		CommitmentDecisionRequest{Decision: "maybe_later"}, donor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/tasks/"+decision+"/commitment-decision",
		CommitmentDecisionRequest{Decision: "commit_now", Amount: 250, CommitmentType: "equity"}, donor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var decided engine.DecisionResult
	require.NoError(t, json.Unmarshal(data, &decided))
	assert.Equal(t, domain.DecisionCommitNow, decided.Decision)
	require.NotNil(t, decided.Commitment)

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/tasks/"+decision+"/commitment-decision",
		CommitmentDecisionRequest{Decision: "commit_now", Amount: 250}, donor)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_completed", errorCode(t, data))

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/owners/participant/"+owner.ID+"/tasks", nil, donor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list engine.TaskList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, owner, list.Owner)
	for _, tk := range list.Tasks {
		if tk.ID == decision {
			assert.Equal(t, domain.StatusCompleted, tk.Status)
		}
	}

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/owners/nonsense/x/tasks", nil, donor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/tasks/missing/start", nil, donor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestInvitationRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := ts.start(t)
	donor := bearer(t, donorClaims)

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/owners/participant/"+owner.ID+"/invitations",
		CreateInvitationRequest{Email: "val@example.org"}, donor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.NotContains(t, string(data), `"token"`)
	var created InvitationResponse
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, domain.InvitationPending, created.Invitation.Status)
	token := ts.Mailer.lastToken(t)

	unverified := bearer(t, TokenClaims{Subject: "val-1", Email: "val@example.org"})
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/invitations/"+token+"/accept", nil, unverified)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "email_unverified", errorCode(t, data))

	wrong := bearer(t, TokenClaims{Subject: "val-2", Email: "other@example.org", EmailVerified: true})
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/invitations/"+token+"/accept", nil, wrong)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "email_mismatch", errorCode(t, data))

	valuer := bearer(t, TokenClaims{Subject: "val-1", Email: "val@example.org", EmailVerified: true})
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/invitations/"+token+"/accept", nil, valuer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var accepted engine.AcceptResult
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.Equal(t, 3, accepted.Reassigned)
	assert.False(t, accepted.AlreadyAccepted)

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/invitations/"+token+"/accept", nil, wrong)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invitation_not_pending", errorCode(t, data))

	res, _ = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/invitations/unknown-token/accept", nil, valuer)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestExpiredInvitationRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := ts.start(t)
	donor := bearer(t, donorClaims)

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/owners/participant/"+owner.ID+"/invitations",
		CreateInvitationRequest{Email: "val@example.org"}, donor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created InvitationResponse
	require.NoError(t, json.Unmarshal(data, &created))
	token := ts.Mailer.lastToken(t)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	_, err := ts.Engine.DB.Exec(`UPDATE invitations SET expires_at=? WHERE id=?`, past, created.Invitation.ID)
	require.NoError(t, err)

	valuer := bearer(t, TokenClaims{Subject: "val-1", Email: "val@example.org", EmailVerified: true})
	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/invitations/"+token+"/accept", nil, valuer)
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invitation_expired", errorCode(t, data))
}

func TestEventPaging(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := ts.start(t)
	donor := bearer(t, donorClaims)
	decision := domain.TaskID(owner, template.StepCommitmentDecision)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/tasks/"+decision+"/commitment-decision",
		CommitmentDecisionRequest{Decision: "commit_now", Amount: 10}, donor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	base := ts.URL + "/v1/owners/participant/" + owner.ID + "/events"
	res, data = doJSON(t, ts.client, http.MethodGet, base+"?limit=1", nil, donor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page EventsResponse
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "participation.started", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, ts.client, http.MethodGet, base+"?limit=200&cursor="+page.NextCursor, nil, donor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rest EventsResponse
	require.NoError(t, json.Unmarshal(data, &rest))
	require.NotEmpty(t, rest.Items)
	assert.Empty(t, rest.NextCursor)
	for _, evt := range rest.Items {
		assert.Greater(t, evt.ID, page.Items[0].ID)
	}

	res, data = doJSON(t, ts.client, http.MethodGet, base+"?cursor=abc", nil, donor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestMonitorRoutes(t *testing.T) {
	runner := &fakeRunner{}
	ts := newTestServer(t, runner)

	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/monitor/signatures/run", nil, bearer(t, donorClaims))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	admin := bearer(t, adminClaims)
	res, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/monitor/signatures/last", nil, admin)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/monitor/signatures/run", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out MonitorRunResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "api", out.Summary.Trigger)

	res, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/monitor/signatures/run", MonitorRunRequest{Trigger: "cron"}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, []string{"api", "cron"}, runner.triggers)

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/monitor/signatures/last", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "cron", out.Summary.Trigger)
}

func TestMonitorUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	res, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/monitor/signatures/run", nil, bearer(t, adminClaims))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "monitor_unavailable", errorCode(t, data))
}

func TestMetricsAndOpenAPI(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.start(t)

	res, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "pledgeline_transitions_total")

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	spec := string(data)
	assert.Contains(t, spec, "bearerAuth")
	assert.Contains(t, spec, "#/components/schemas/ApiError")
	assert.True(t, strings.Contains(spec, "/v1/tasks/{task_id}/complete"))
	assert.Contains(t, spec, "#/components/schemas/TaskResult")
	assert.Contains(t, spec, "#/components/schemas/CheckResult")

	res, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v1/openapi.json")
}
