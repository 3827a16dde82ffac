package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/db"
	"pledgeline/internal/domain"
	"pledgeline/internal/migrate"
	"pledgeline/internal/repo"
	"pledgeline/internal/template"
)

const now = "2024-01-01T00:00:00Z"

func openRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func TestTaskRoundTripKeepsDependenciesAndMetadata(t *testing.T) {
	r, ctx := openRepo(t)
	owner := domain.ParticipantOwner("camp", "donor-1")
	tasks, err := template.Build(owner, template.Assignees{Donor: "donor-1", OrganizationApprover: "org-1"}, "donor-1", now)
	require.NoError(t, err)
	inTx(t, r, func(tx *sql.Tx) {
		for _, tk := range tasks {
			require.NoError(t, r.InsertTask(ctx, tx, tk))
		}
	})

	got, err := r.ListOwnerTasks(ctx, owner)
	require.NoError(t, err)
	require.Len(t, got, len(tasks))
	assert.Equal(t, template.StepInviteAppraiser, got[0].Step)

	review, err := r.GetTask(ctx, domain.TaskID(owner, template.StepAppraiserReview))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		domain.TaskID(owner, template.StepDonorDocuments),
		domain.TaskID(owner, template.StepAppraiserEngagement),
	}, review.Dependencies)
	assert.NotNil(t, review.Metadata.Review)

	decision, err := r.GetTask(ctx, domain.TaskID(owner, template.StepCommitmentDecision))
	require.NoError(t, err)
	assert.Len(t, decision.Metadata.Decision.Options, 2)

	other, err := r.ListOwnerTasks(ctx, domain.DonationOwner(owner.ID))
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = r.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCompleteTaskIfOpenOnlyOnce(t *testing.T) {
	r, ctx := openRepo(t)
	owner := domain.ParticipantOwner("camp", "u")
	tk := template.Instantiate(owner, template.Step{Key: "sign", Type: domain.TaskSignature, Role: domain.RoleDonor}, "u", "u", now)
	inTx(t, r, func(tx *sql.Tx) { require.NoError(t, r.InsertTask(ctx, tx, tk)) })

	stamp := now
	tk.UpdatedAt = now
	tk.CompletedAt = &stamp
	inTx(t, r, func(tx *sql.Tx) {
		ok, err := r.CompleteTaskIfOpen(ctx, tx, tk)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = r.CompleteTaskIfOpen(ctx, tx, tk)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, r.SetTaskStatus(ctx, tx, tk.ID, domain.StatusPending, now))
	})
	got, err := r.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status, "resolver writes never reopen a completed task")

	pending, err := r.ListTasks(ctx, repo.TaskFilters{Type: domain.TaskSignature, Statuses: []domain.Status{domain.StatusPending, domain.StatusInProgress}})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDependencyEdits(t *testing.T) {
	r, ctx := openRepo(t)
	owner := domain.ParticipantOwner("camp", "u")
	a := template.Instantiate(owner, template.Step{Key: "a", Type: domain.TaskGeneric, Role: domain.RoleDonor}, "u", "u", now)
	b := template.Instantiate(owner, template.Step{Key: "b", Type: domain.TaskGeneric, Role: domain.RoleDonor, DependsOn: []string{"a"}}, "u", "u", now)
	c := template.Instantiate(owner, template.Step{Key: "c", Type: domain.TaskGeneric, Role: domain.RoleDonor}, "u", "u", now)
	inTx(t, r, func(tx *sql.Tx) {
		for _, tk := range []domain.Task{a, b, c} {
			require.NoError(t, r.InsertTask(ctx, tx, tk))
		}
		dependents, err := r.ListDependentsTx(ctx, tx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID}, dependents)

		require.NoError(t, r.SetDependencies(ctx, tx, b.ID, []string{c.ID}))
		require.Error(t, r.AddDependencies(ctx, tx, c.ID, []string{c.ID}))

		n, err := r.CountTasksTx(ctx, tx, owner, domain.StructureVersioned)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		deleted, err := r.DeleteTasks(ctx, tx, []string{a.ID, "missing"})
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
	})
	deps, err := r.ListTaskDependencies(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, deps)
}

func TestUsersAndRoles(t *testing.T) {
	r, ctx := openRepo(t)
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.EnsureUser(ctx, tx, "u1", "first@example.org", now))
		require.NoError(t, r.EnsureUser(ctx, tx, "u1", "second@example.org", now))
		granted, err := r.SetRoleIfEmpty(ctx, tx, "u1", domain.RoleValuer)
		require.NoError(t, err)
		assert.True(t, granted)
		granted, err = r.SetRoleIfEmpty(ctx, tx, "u1", domain.RoleDonor)
		require.NoError(t, err)
		assert.False(t, granted)
	})
	u, err := r.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "first@example.org", u.Email)
	assert.Equal(t, domain.RoleValuer, u.Role)
}

func TestInvitationTokensAreHashed(t *testing.T) {
	r, ctx := openRepo(t)
	owner := domain.ParticipantOwner("camp", "u")
	inv := domain.Invitation{
		ID: "inv-1", Token: "secret-token", Owner: owner, Role: domain.RoleValuer,
		InvitedEmail: "v@example.org", InvitedBy: "u", Status: domain.InvitationPending,
		ExpiresAt: "2024-01-08T00:00:00Z", CreatedAt: now,
	}
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertInvitation(ctx, tx, inv))
		got, err := r.GetInvitationByTokenTx(ctx, tx, "secret-token")
		require.NoError(t, err)
		assert.Equal(t, "inv-1", got.ID)
		_, err = r.GetInvitationByTokenTx(ctx, tx, "inv-1")
		assert.ErrorIs(t, err, repo.ErrNotFound)

		revoked, err := r.RevokePendingInvitations(ctx, tx, owner, domain.RoleValuer)
		require.NoError(t, err)
		assert.Equal(t, []string{"inv-1"}, revoked)
		assert.ErrorIs(t, r.AcceptInvitation(ctx, tx, "inv-1", "v", now), repo.ErrNotFound)
	})

	var stored string
	require.NoError(t, r.DB.QueryRowContext(ctx, `SELECT token_hash FROM invitations WHERE id='inv-1'`).Scan(&stored))
	assert.NotEqual(t, "secret-token", stored)
	assert.Equal(t, repo.HashSecret("secret-token"), stored)
}
