package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine/auth"
	"pledgeline/internal/events"
	"pledgeline/internal/repo"
	"pledgeline/internal/template"
)

// DecisionInput is the donor's answer at a commitment decision task.
type DecisionInput struct {
	Decision domain.Decision
	// Amount and Type describe the commitment. Required for commit_now.
	Amount float64
	Type   string
}

type DecisionResult struct {
	Task          domain.Task        `json:"task"`
	Decision      domain.Decision    `json:"decision"`
	Commitment    *domain.Commitment `json:"commitment,omitempty"`
	Inserted      *domain.Task       `json:"inserted,omitempty"`
	Rewired       []string           `json:"rewired,omitempty"`
	Participation string             `json:"participation_status,omitempty"`
	Unblocked     []string           `json:"unblocked"`
}

// SubmitCommitmentDecision completes a decision task and applies exactly one
// branch in the same transaction. commit_now records the commitment;
// commit_after_valuation inserts the final commitment step between the two
// approvals and rewires the organization approval onto it. A final commitment
// task only accepts commit_now.
func (e Engine) SubmitCommitmentDecision(ctx context.Context, actor auth.Actor, taskID string, in DecisionInput) (res DecisionResult, err error) {
	defer e.observe("commitment_decision", &err)
	if !in.Decision.Valid() {
		return res, validationf("unknown decision %q", in.Decision)
	}
	in.Type = strings.TrimSpace(in.Type)
	if in.Decision == domain.DecisionCommitNow {
		if in.Amount <= 0 {
			return res, validationf("commit_now requires a positive amount")
		}
		if in.Type == "" {
			in.Type = "equity"
		}
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
	if t.Type != domain.TaskCommitmentDecision {
		return res, validationf("task %s is a %s task, not a commitment decision", t.ID, t.Type)
	}
	if err := e.Auth.CanDecide(actor, t); err != nil {
		return res, err
	}
	siblings, err := e.Repo.ListOwnerTasksTx(ctx, tx, t.Owner)
	if err != nil {
		return res, err
	}
	if err := requireWorkable(t, siblings); err != nil {
		return res, err
	}
	m := t.Metadata.Normalize(t.Type)
	if !allowed(m.Decision.Options, in.Decision) {
		return res, validationf("task %s does not offer %s", t.ID, in.Decision)
	}

	now := e.stamp()
	m.Decision.Decision = in.Decision
	m.Decision.DecidedAt = now
	if in.Decision == domain.DecisionCommitNow {
		m.Decision.CommitmentAmount = in.Amount
		m.Decision.CommitmentType = in.Type
	}
	t.Metadata = m
	t.Status = domain.StatusCompleted
	t.UpdatedAt = now
	t.CompletedAt = &now
	ok, err := e.Repo.CompleteTaskIfOpen(ctx, tx, t)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, fmt.Errorf("task %s: %w", t.ID, ErrAlreadyCompleted)
	}
	res = DecisionResult{Task: t, Decision: in.Decision}

	switch in.Decision {
	case domain.DecisionCommitNow:
		c := domain.Commitment{
			Owner:       t.Owner,
			Amount:      in.Amount,
			Type:        in.Type,
			CommittedBy: actor.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.UpsertCommitment(ctx, tx, c); err != nil {
			return res, fmt.Errorf("upsert commitment: %w", err)
		}
		res.Commitment = &c
		if err := e.setParticipationStatus(ctx, tx, t.Owner, domain.ParticipationCommitted, now, &res); err != nil {
			return res, err
		}
	case domain.DecisionCommitAfterValuation:
		final, rewired, err := e.insertFinalCommitment(ctx, tx, t, siblings, actor.UserID, now)
		if err != nil {
			return res, err
		}
		res.Inserted = &final
		res.Rewired = rewired
		if err := e.setParticipationStatus(ctx, tx, t.Owner, domain.ParticipationAwaitingValuation, now, &res); err != nil {
			return res, err
		}
	}

	if err := e.events().Append(ctx, tx, events.DecisionSubmitted, t.Owner, t.ID, actor.UserID, events.EventPayload{
		"decision": in.Decision,
		"amount":   in.Amount,
		"type":     in.Type,
	}); err != nil {
		return res, err
	}
	changes, err := e.resolvePartitionTx(ctx, tx, t.Owner, actor.UserID, now)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Unblocked = unblocked(changes)
	if res.Inserted != nil {
		for _, c := range changes {
			if c.TaskID == res.Inserted.ID {
				res.Inserted.Status = c.To
			}
		}
	}
	return res, nil
}

func allowed(options []domain.Decision, d domain.Decision) bool {
	for _, o := range options {
		if o == d {
			return true
		}
	}
	return false
}

// insertFinalCommitment adds the conditional step and points the
// organization approval at it instead of the donor approval.
func (e Engine) insertFinalCommitment(ctx context.Context, tx *sql.Tx, decision domain.Task, siblings []domain.Task, actorID, now string) (domain.Task, []string, error) {
	owner := decision.Owner
	donorApprovalID := domain.TaskID(owner, template.StepDonorApproval)
	orgApprovalID := domain.TaskID(owner, template.StepOrganizationApproval)
	byID := make(map[string]domain.Task, len(siblings))
	for _, s := range siblings {
		byID[s.ID] = s
	}
	if _, ok := byID[donorApprovalID]; !ok {
		return domain.Task{}, nil, fmt.Errorf("owner %s has no donor approval step: %w", owner, ErrNotFound)
	}
	final := template.Instantiate(owner, template.FinalCommitment, decision.AssignedTo, actorID, now)
	if _, ok := byID[final.ID]; ok {
		return domain.Task{}, nil, conflictf("final commitment already exists for %s", owner)
	}
	final.Metadata.Decision.Options = []domain.Decision{domain.DecisionCommitNow}
	final.Metadata.Decision.Conditional = true
	if err := e.Repo.InsertTask(ctx, tx, final); err != nil {
		return domain.Task{}, nil, err
	}
	if err := e.events().Append(ctx, tx, events.FinalTaskInserted, owner, final.ID, actorID, events.EventPayload{
		"order":        final.Order,
		"dependencies": final.Dependencies,
	}); err != nil {
		return domain.Task{}, nil, err
	}

	dependents, err := e.Repo.ListDependentsTx(ctx, tx, donorApprovalID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	var rewired []string
	for _, id := range dependents {
		s, ok := byID[id]
		if !ok || id != orgApprovalID {
			continue
		}
		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			if d == donorApprovalID {
				d = final.ID
			}
			deps = append(deps, d)
		}
		if err := e.Repo.SetDependencies(ctx, tx, s.ID, deps); err != nil {
			return domain.Task{}, nil, fmt.Errorf("rewire %s: %w", s.ID, err)
		}
		rewired = append(rewired, s.ID)
	}
	return final, rewired, nil
}

func (e Engine) setParticipationStatus(ctx context.Context, tx *sql.Tx, owner domain.Owner, status domain.ParticipationStatus, now string, res *DecisionResult) error {
	if owner.Kind != domain.OwnerParticipant {
		return nil
	}
	if _, err := e.Repo.GetParticipationTx(ctx, tx, owner.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := e.Repo.SetParticipationStatus(ctx, tx, owner.ID, status, now); err != nil {
		return err
	}
	res.Participation = string(status)
	return nil
}
