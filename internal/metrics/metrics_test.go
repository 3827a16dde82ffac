package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Transition("complete", nil)
	m.Transition("complete", nil)
	m.Transition("complete", errors.New("boom"))
	m.Unblocked(3)
	m.MonitorOutcome("completed")
	m.Delivery("audit", true)

	out := scrape(t, m)
	assert.Contains(t, out, `pledgeline_transitions_total{kind="complete",result="ok"} 2`)
	assert.Contains(t, out, `pledgeline_transitions_total{kind="complete",result="error"} 1`)
	assert.Contains(t, out, "pledgeline_tasks_unblocked_total 3")
	assert.Contains(t, out, `pledgeline_monitor_task_outcomes_total{outcome="completed"} 1`)
	assert.Contains(t, out, `pledgeline_webhook_deliveries_total{hook="audit",result="ok"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("x", nil)
	m.Unblocked(1)
	m.MonitorOutcome("error")
	m.MonitorRun("api", time.Second, time.Now())
	m.Delivery("hook", false)
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestMonitorRun(t *testing.T) {
	m := New()
	m.MonitorRun("interval", 2*time.Second, time.Unix(1700000000, 0))
	out := scrape(t, m)
	assert.Contains(t, out, `pledgeline_monitor_runs_total{trigger="interval"} 1`)
	assert.Contains(t, out, "pledgeline_monitor_run_duration_seconds_count 1")
	assert.Contains(t, out, "pledgeline_monitor_last_run_timestamp_seconds 1.7e+09")
}
