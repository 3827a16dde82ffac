// Package monitor reconciles signature tasks whose envelope was completed at
// the e-signature provider without the completion reaching pledgeline.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pledgeline/internal/archive"
	"pledgeline/internal/config"
	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
	"pledgeline/internal/esign"
	"pledgeline/internal/repo"
)

// Per-task outcomes of a run.
const (
	OutcomeCompleted        = "completed"
	OutcomeAlreadyCompleted = "already_completed"
	OutcomeStillPending     = "still_pending"
	OutcomeNoEnvelope       = "no_envelope"
	OutcomeError            = "error"
)

// CheckResult is the outcome of checking one signature task.
type CheckResult struct {
	TaskID         string       `json:"task_id"`
	Owner          domain.Owner `json:"owner"`
	EnvelopeID     string       `json:"envelope_id,omitempty"`
	Outcome        string       `json:"outcome"`
	ProviderStatus string       `json:"provider_status,omitempty"`
	Unblocked      []string     `json:"unblocked,omitempty"`
	ArchivePath    string       `json:"archive_path,omitempty"`
	Warning        string       `json:"warning,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Summary is the report of one run. Every listed task appears in Results
// exactly once.
type Summary struct {
	Trigger          string        `json:"trigger"`
	StartedAt        string        `json:"started_at"`
	FinishedAt       string        `json:"finished_at"`
	TotalTasks       int           `json:"total_tasks"`
	Completed        int           `json:"completed"`
	AlreadyCompleted int           `json:"already_completed"`
	StillPending     int           `json:"still_pending"`
	NoEnvelope       int           `json:"no_envelope"`
	Errors           int           `json:"errors"`
	Results          []CheckResult `json:"results"`
}

func (s *Summary) add(r CheckResult) {
	switch r.Outcome {
	case OutcomeCompleted:
		s.Completed++
	case OutcomeAlreadyCompleted:
		s.AlreadyCompleted++
	case OutcomeStillPending:
		s.StillPending++
	case OutcomeNoEnvelope:
		s.NoEnvelope++
	default:
		s.Errors++
	}
}

// Monitor runs reconciliation batches. Archive is optional.
type Monitor struct {
	Engine   engine.Engine
	Provider esign.Provider
	Archive  *archive.Archive
	Config   config.MonitorConfig
	Log      zerolog.Logger
}

func (m Monitor) now() time.Time {
	if m.Engine.Now != nil {
		return m.Engine.Now()
	}
	return time.Now()
}

func (m Monitor) concurrency() int {
	if m.Config.Concurrency > 0 {
		return m.Config.Concurrency
	}
	return 1
}

// Run checks every open signature task once. Provider and archive failures
// are isolated to the task they happen on; only a failure to list the tasks
// fails the run.
func (m Monitor) Run(ctx context.Context, trigger string) (Summary, error) {
	started := m.now()
	sum := Summary{Trigger: trigger, StartedAt: started.UTC().Format(time.RFC3339), Results: []CheckResult{}}
	if m.Provider == nil {
		return sum, errors.New("monitor: no e-signature provider configured")
	}
	if m.Config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Config.JobTimeout)
		defer cancel()
	}

	tasks, err := m.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
		Type:     domain.TaskSignature,
		Statuses: []domain.Status{domain.StatusPending, domain.StatusInProgress},
	})
	if err != nil {
		return sum, fmt.Errorf("list signature tasks: %w", err)
	}
	sum.TotalTasks = len(tasks)

	results := make([]CheckResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(m.concurrency())
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = m.check(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		sum.add(r)
		m.Engine.Metrics.MonitorOutcome(r.Outcome)
		ev := m.Log.Debug()
		if r.Outcome == OutcomeError {
			ev = m.Log.Warn().Str("error", r.Error)
		}
		ev.Str("task_id", r.TaskID).Str("envelope_id", r.EnvelopeID).Str("outcome", r.Outcome).Msg("signature checked")
	}
	sum.Results = results
	finished := m.now()
	sum.FinishedAt = finished.UTC().Format(time.RFC3339)
	m.Engine.Metrics.MonitorRun(trigger, finished.Sub(started), finished)
	m.Log.Info().
		Str("trigger", trigger).
		Int("total", sum.TotalTasks).
		Int("completed", sum.Completed).
		Int("still_pending", sum.StillPending).
		Int("errors", sum.Errors).
		Msg("signature monitor run finished")
	return sum, nil
}

func (m Monitor) check(ctx context.Context, t domain.Task) CheckResult {
	res := CheckResult{TaskID: t.ID, Owner: t.Owner}
	meta := t.Metadata.Normalize(t.Type)
	res.EnvelopeID = meta.Signature.EnvelopeID
	if res.EnvelopeID == "" {
		res.Outcome = OutcomeNoEnvelope
		return res
	}
	fail := func(err error) CheckResult {
		res.Outcome = OutcomeError
		res.Error = err.Error()
		return res
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("job deadline reached before check: %w", err))
	}
	if m.Config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Config.TaskTimeout)
		defer cancel()
	}

	status, err := m.Provider.GetEnvelopeStatus(ctx, res.EnvelopeID)
	if err != nil {
		return fail(fmt.Errorf("envelope status: %w", err))
	}
	res.ProviderStatus = status.Status
	if !status.Completed() {
		if err := m.Engine.RecordSignatureStatus(ctx, t.ID, status.Status); err != nil {
			return fail(fmt.Errorf("record status: %w", err))
		}
		res.Outcome = OutcomeStillPending
		return res
	}

	sig := domain.SignatureMetadata{
		EnvelopeID:     res.EnvelopeID,
		ProviderStatus: status.Status,
		LastCheckedAt:  m.now().UTC().Format(time.RFC3339),
	}
	if m.Archive != nil {
		path, err := m.archive(ctx, t, res.EnvelopeID)
		if err != nil {
			sig.ArchiveError = err.Error()
			res.Warning = "signed document not archived: " + err.Error()
			m.Log.Warn().Err(err).Str("task_id", t.ID).Str("envelope_id", res.EnvelopeID).Msg("archive signed document")
		}
		sig.ArchivePath = path
		res.ArchivePath = path
	}

	done, err := m.Engine.CompleteSignature(ctx, t.ID, sig)
	switch {
	case errors.Is(err, engine.ErrAlreadyCompleted):
		res.Outcome = OutcomeAlreadyCompleted
	case err != nil:
		return fail(err)
	default:
		res.Outcome = OutcomeCompleted
		res.Unblocked = done.Unblocked
	}
	return res
}

func (m Monitor) archive(ctx context.Context, t domain.Task, envelopeID string) (string, error) {
	data, err := m.Provider.DownloadDocuments(ctx, envelopeID)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	return m.Archive.Save(t.Owner, t.ID, envelopeID, data)
}
