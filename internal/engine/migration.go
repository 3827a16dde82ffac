package engine

import (
	"context"
	"fmt"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine/auth"
	"pledgeline/internal/events"
	"pledgeline/internal/template"
)

type MigrationResult struct {
	Owner           domain.Owner       `json:"owner"`
	AlreadyMigrated bool               `json:"already_migrated"`
	Deleted         int                `json:"deleted"`
	Created         []string           `json:"created"`
	CarriedOver     []string           `json:"carried_over,omitempty"`
	Rewrites        []template.Rewrite `json:"rewrites,omitempty"`
}

// MigrateTasks moves a participation from the legacy flat task list to the
// versioned structure. The delete and re-create happen in one transaction.
// A partition that already holds versioned tasks is left untouched.
func (e Engine) MigrateTasks(ctx context.Context, actor auth.Actor, participationID string) (res MigrationResult, err error) {
	defer e.observe("migrate", &err)
	if err := e.Auth.Authenticated(actor); err != nil {
		return res, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetParticipationTx(ctx, tx, participationID)
	if err != nil {
		return res, err
	}
	if !auth.IsOwnerDonor(actor, p) && !e.Auth.Elevated(actor) {
		return res, auth.ForbiddenError{Reason: "only the donor or an administrator can migrate tasks"}
	}
	owner := p.Owner()
	res = MigrationResult{Owner: owner, Created: []string{}}

	n, err := e.Repo.CountTasksTx(ctx, tx, owner, domain.StructureVersioned)
	if err != nil {
		return res, err
	}
	if n > 0 {
		res.AlreadyMigrated = true
		return res, nil
	}

	var legacy []domain.Task
	if p.LegacyDonationID != "" {
		if _, err := e.Repo.GetDonationTx(ctx, tx, p.LegacyDonationID); err != nil {
			return res, err
		}
		legacy, err = e.Repo.ListOwnerTasksTx(ctx, tx, domain.DonationOwner(p.LegacyDonationID))
		if err != nil {
			return res, err
		}
	}
	partial, err := e.Repo.ListOwnerTasksTx(ctx, tx, owner)
	if err != nil {
		return res, err
	}
	now := e.stamp()
	plan, err := template.PlanMigration(owner, template.Assignees{
		Donor:                p.UserID,
		OrganizationApprover: p.OrganizationApproverID,
	}, legacy, partial, actor.UserID, now)
	if err != nil {
		return res, validationf("%v", err)
	}
	deleted, err := e.Repo.DeleteTasks(ctx, tx, plan.Delete)
	if err != nil {
		return res, err
	}
	for _, t := range plan.Create {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return res, fmt.Errorf("migrate %s: %w", owner, err)
		}
		res.Created = append(res.Created, t.ID)
	}
	if err := e.Repo.SetParticipationStatus(ctx, tx, p.ID, domain.ParticipationActive, now); err != nil {
		return res, err
	}
	if err := e.events().Append(ctx, tx, events.TasksMigrated, owner, "", actor.UserID, events.EventPayload{
		"legacy_donation_id": p.LegacyDonationID,
		"deleted":            deleted,
		"created":            len(plan.Create),
		"carried_over":       plan.CarriedOver,
		"rewrites":           plan.Rewrites,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Deleted = deleted
	res.CarriedOver = plan.CarriedOver
	res.Rewrites = plan.Rewrites
	return res, nil
}
