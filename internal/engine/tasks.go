package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine/auth"
	"pledgeline/internal/events"
	"pledgeline/internal/repo"
	"pledgeline/internal/resolve"
	"pledgeline/internal/template"
)

// StartParticipationOptions are parameters for a new campaign participation.
type StartParticipationOptions struct {
	CampaignID             string
	DonorID                string
	DonorEmail             string
	OrganizationApproverID string
}

type ParticipationResult struct {
	Participation domain.Participation `json:"participation"`
	Tasks         []domain.Task        `json:"tasks"`
}

// StartParticipation creates the participation record and its versioned task
// list in one batch.
func (e Engine) StartParticipation(ctx context.Context, actor auth.Actor, opts StartParticipationOptions) (res ParticipationResult, err error) {
	defer e.observe("start_participation", &err)
	opts.CampaignID = strings.TrimSpace(opts.CampaignID)
	opts.DonorID = strings.TrimSpace(opts.DonorID)
	opts.OrganizationApproverID = strings.TrimSpace(opts.OrganizationApproverID)
	if opts.CampaignID == "" || opts.DonorID == "" || opts.OrganizationApproverID == "" {
		return res, validationf("campaign, donor and organization approver are required")
	}
	if strings.Contains(opts.CampaignID, "_") {
		return res, validationf("campaign id %q must not contain '_'", opts.CampaignID)
	}
	if err := e.Auth.Authenticated(actor); err != nil {
		return res, err
	}
	if actor.UserID != opts.DonorID && !e.Auth.Elevated(actor) {
		return res, auth.ForbiddenError{Reason: "participations are started by the donor"}
	}
	now := e.stamp()
	p := domain.Participation{
		ID:                     domain.ParticipantID(opts.CampaignID, opts.DonorID),
		CampaignID:             opts.CampaignID,
		UserID:                 opts.DonorID,
		OrganizationApproverID: opts.OrganizationApproverID,
		Status:                 domain.ParticipationActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	tasks, err := template.Build(p.Owner(), template.Assignees{Donor: p.UserID, OrganizationApprover: p.OrganizationApproverID}, actor.UserID, now)
	if err != nil {
		return res, validationf("%v", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetParticipationTx(ctx, tx, p.ID); err == nil {
		return res, conflictf("participation %s already exists", p.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if err := e.Repo.EnsureUser(ctx, tx, p.UserID, opts.DonorEmail, now); err != nil {
		return res, err
	}
	if _, err := e.Repo.SetRoleIfEmpty(ctx, tx, p.UserID, domain.RoleDonor); err != nil {
		return res, err
	}
	if err := e.Repo.EnsureUser(ctx, tx, p.OrganizationApproverID, "", now); err != nil {
		return res, err
	}
	if _, err := e.Repo.SetRoleIfEmpty(ctx, tx, p.OrganizationApproverID, domain.RoleOrganizationApprover); err != nil {
		return res, err
	}
	if err := e.Repo.InsertParticipation(ctx, tx, p); err != nil {
		return res, fmt.Errorf("insert participation: %w", err)
	}
	for _, t := range tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return res, err
		}
	}
	if err := e.events().Append(ctx, tx, events.ParticipationStarted, p.Owner(), "", actor.UserID, events.EventPayload{
		"campaign_id": p.CampaignID,
		"tasks":       len(tasks),
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return ParticipationResult{Participation: p, Tasks: tasks}, nil
}

// LegacyDonationOptions describe a donation recorded under the flat structure.
type LegacyDonationOptions struct {
	DonationID             string
	CampaignID             string
	DonorID                string
	OrganizationApproverID string
	ValuerID               string
	// Completed lists legacy step keys that were already done.
	Completed []string
}

// ImportLegacyDonation loads a donation and its flat task list, and links a
// participation to it so the donation can later be migrated. It is the entry
// point for records carried over from the previous system.
func (e Engine) ImportLegacyDonation(ctx context.Context, actor auth.Actor, opts LegacyDonationOptions) (res ParticipationResult, err error) {
	defer e.observe("import_legacy", &err)
	if !e.Auth.Elevated(actor) {
		return res, auth.ForbiddenError{Reason: "legacy imports require an elevated role"}
	}
	if opts.DonationID == "" || opts.CampaignID == "" || opts.DonorID == "" || opts.OrganizationApproverID == "" {
		return res, validationf("donation, campaign, donor and organization approver are required")
	}
	now := e.stamp()
	done := map[string]bool{}
	for _, k := range opts.Completed {
		done[k] = true
	}
	tasks := template.BuildLegacy(opts.DonationID, template.Assignees{
		Donor:                opts.DonorID,
		OrganizationApprover: opts.OrganizationApproverID,
		Valuer:               opts.ValuerID,
	}, actor.UserID, now)
	for i := range tasks {
		if done[tasks[i].Step] {
			tasks[i].Status = domain.StatusCompleted
			tasks[i].CompletedAt = &now
		}
	}
	tasks, _ = resolve.Resolve(tasks)

	p := domain.Participation{
		ID:                     domain.ParticipantID(opts.CampaignID, opts.DonorID),
		CampaignID:             opts.CampaignID,
		UserID:                 opts.DonorID,
		OrganizationApproverID: opts.OrganizationApproverID,
		LegacyDonationID:       opts.DonationID,
		Status:                 domain.ParticipationActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDonation(ctx, tx, domain.Donation{
		ID: opts.DonationID, CampaignID: opts.CampaignID, DonorID: opts.DonorID, Status: "active", CreatedAt: now,
	}); err != nil {
		return res, fmt.Errorf("insert donation: %w", err)
	}
	if err := e.Repo.InsertParticipation(ctx, tx, p); err != nil {
		return res, fmt.Errorf("insert participation: %w", err)
	}
	for _, t := range tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return ParticipationResult{Participation: p, Tasks: tasks}, nil
}

// TaskList is the read-side projection of one partition.
type TaskList struct {
	Owner domain.Owner  `json:"owner"`
	Tasks []domain.Task `json:"tasks"`
	Next  *domain.Task  `json:"next_task,omitempty"`
	// Drift lists tasks whose stored status differs from the projection.
	Drift []resolve.Change `json:"drift,omitempty"`
}

// ListTasks returns the owner's tasks in display order with statuses
// recomputed by the resolver. It never writes.
func (e Engine) ListTasks(ctx context.Context, actor auth.Actor, owner domain.Owner) (TaskList, error) {
	tasks, err := e.Repo.ListOwnerTasks(ctx, owner)
	if err != nil {
		return TaskList{}, err
	}
	if err := e.Auth.CanView(actor, tasks); err != nil {
		return TaskList{}, err
	}
	projected, drift := resolve.Resolve(tasks)
	list := TaskList{Owner: owner, Tasks: projected, Drift: drift}
	if list.Tasks == nil {
		list.Tasks = []domain.Task{}
	}
	if next, ok := resolve.NextFor(projected, actor.UserID); ok {
		list.Next = &next
	}
	return list, nil
}

// TaskResult reports one task transition and its unblocking side effects.
type TaskResult struct {
	Task      domain.Task `json:"task"`
	Unblocked []string    `json:"unblocked"`
	Warnings  []string    `json:"warnings,omitempty"`
}

// StartTask moves a pending task to in_progress. Starting a task that is
// already in progress is a no-op.
func (e Engine) StartTask(ctx context.Context, actor auth.Actor, taskID string) (res TaskResult, err error) {
	defer e.observe("start", &err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return res, err
	}
	if err := e.Auth.CanWork(actor, t); err != nil {
		return res, err
	}
	res.Unblocked = []string{}
	if t.Status == domain.StatusInProgress {
		res.Task = t
		return res, nil
	}
	siblings, err := e.Repo.ListOwnerTasksTx(ctx, tx, t.Owner)
	if err != nil {
		return res, err
	}
	if err := requireWorkable(t, siblings); err != nil {
		return res, err
	}
	now := e.stamp()
	t.Status = domain.StatusInProgress
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return res, err
	}
	if err := e.events().Append(ctx, tx, events.TaskStarted, t.Owner, t.ID, actor.UserID, nil); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Task = t
	return res, nil
}

// CompleteOptions carries the optional completion payload. Typed payloads
// must match the task type.
type CompleteOptions struct {
	Upload    *domain.UploadMetadata
	Review    *domain.ReviewMetadata
	Appraisal *domain.AppraisalMetadata
	Payload   map[string]any
}

// CompleteTask is the generic, role-authorized completion.
func (e Engine) CompleteTask(ctx context.Context, actor auth.Actor, taskID string, opts CompleteOptions) (res TaskResult, err error) {
	defer e.observe("complete", &err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return res, err
	}
	if err := e.Auth.CanWork(actor, t); err != nil {
		return res, err
	}
	switch t.Type {
	case domain.TaskCommitmentDecision:
		return res, validationf("task %s is a commitment decision; submit a decision instead", t.ID)
	case domain.TaskInvitation:
		return res, validationf("task %s completes when the invitation is accepted", t.ID)
	}
	siblings, err := e.Repo.ListOwnerTasksTx(ctx, tx, t.Owner)
	if err != nil {
		return res, err
	}
	if err := requireWorkable(t, siblings); err != nil {
		return res, err
	}
	if err := applyCompletion(&t, opts); err != nil {
		return res, err
	}
	t, changes, err := e.completeTx(ctx, tx, t, actor.UserID, e.stamp())
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return TaskResult{Task: t, Unblocked: unblocked(changes)}, nil
}

func applyCompletion(t *domain.Task, opts CompleteOptions) error {
	m := t.Metadata.Normalize(t.Type)
	if opts.Upload != nil {
		if t.Type != domain.TaskDocumentUpload {
			return validationf("upload payload does not apply to %s task", t.Type)
		}
		m.Upload = opts.Upload
	}
	if opts.Review != nil {
		if t.Type != domain.TaskDocumentReview {
			return validationf("review payload does not apply to %s task", t.Type)
		}
		m.Review = opts.Review
	}
	if opts.Appraisal != nil {
		if t.Type != domain.TaskAppraisalSubmission {
			return validationf("appraisal payload does not apply to %s task", t.Type)
		}
		if opts.Appraisal.AppraisedValue < 0 {
			return validationf("appraised value must not be negative")
		}
		m.Appraisal = opts.Appraisal
	}
	if len(opts.Payload) > 0 {
		if m.Completion == nil {
			m.Completion = map[string]any{}
		}
		for k, v := range opts.Payload {
			m.Completion[k] = v
		}
	}
	if err := m.Validate(); err != nil {
		return validationf("%v", err)
	}
	t.Metadata = m
	return nil
}

// AttachEnvelope records the provider envelope of a signature task so the
// monitor can reconcile it.
func (e Engine) AttachEnvelope(ctx context.Context, actor auth.Actor, taskID, envelopeID string) (res TaskResult, err error) {
	defer e.observe("attach_envelope", &err)
	envelopeID = strings.TrimSpace(envelopeID)
	if envelopeID == "" {
		return res, validationf("envelope id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return res, err
	}
	if err := e.Auth.CanWork(actor, t); err != nil {
		return res, err
	}
	if t.Type != domain.TaskSignature {
		return res, validationf("task %s is not a signature task", t.ID)
	}
	if t.IsCompleted() {
		return res, fmt.Errorf("task %s: %w", t.ID, ErrAlreadyCompleted)
	}
	now := e.stamp()
	m := t.Metadata.Normalize(t.Type)
	m.Signature.EnvelopeID = envelopeID
	m.Signature.ProviderStatus = ""
	if err := e.Repo.UpdateTaskMetadata(ctx, tx, t.ID, m, now); err != nil {
		return res, err
	}
	if err := e.events().Append(ctx, tx, events.EnvelopeAttached, t.Owner, t.ID, actor.UserID, events.EventPayload{"envelope_id": envelopeID}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	t.Metadata = m
	t.UpdatedAt = now
	return TaskResult{Task: t, Unblocked: []string{}}, nil
}

// CompleteSignature completes a signature task whose envelope the provider
// reports as completed. It goes through the same completion path as a user
// and returns ErrAlreadyCompleted when a user or an earlier run won the race.
func (e Engine) CompleteSignature(ctx context.Context, taskID string, sig domain.SignatureMetadata) (res TaskResult, err error) {
	defer e.observe("complete_signature", &err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return res, err
	}
	if t.Type != domain.TaskSignature {
		return res, validationf("task %s is not a signature task", t.ID)
	}
	if t.IsCompleted() {
		return res, fmt.Errorf("task %s: %w", t.ID, ErrAlreadyCompleted)
	}
	m := t.Metadata.Normalize(t.Type)
	sig.CompletedVia = domain.CompletedViaMonitoring
	if sig.EnvelopeID == "" {
		sig.EnvelopeID = m.Signature.EnvelopeID
	}
	m.Signature = &sig
	t.Metadata = m
	t, changes, err := e.completeTx(ctx, tx, t, auth.System.UserID, e.stamp())
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return TaskResult{Task: t, Unblocked: unblocked(changes)}, nil
}

// RecordSignatureStatus stores the provider status of an envelope that is not
// completed yet. Task status is left alone.
func (e Engine) RecordSignatureStatus(ctx context.Context, taskID, providerStatus string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.IsCompleted() {
		return nil
	}
	now := e.stamp()
	m := t.Metadata.Normalize(t.Type)
	if m.Signature == nil {
		return validationf("task %s is not a signature task", t.ID)
	}
	m.Signature.ProviderStatus = providerStatus
	m.Signature.LastCheckedAt = now
	if err := e.Repo.UpdateTaskMetadata(ctx, tx, t.ID, m, now); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.SignatureChecked, t.Owner, t.ID, auth.System.UserID, events.EventPayload{
		"envelope_id":     m.Signature.EnvelopeID,
		"provider_status": providerStatus,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns the owner's event log after a cursor.
func (e Engine) ListEvents(ctx context.Context, actor auth.Actor, owner domain.Owner, afterID int64, limit int) ([]domain.Event, error) {
	tasks, err := e.Repo.ListOwnerTasks(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := e.Auth.CanView(actor, tasks); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, owner, afterID, limit)
}
