package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/domain"
)

const now = "2024-01-01T00:00:00Z"

func tasksByStep(tasks []domain.Task) map[string]domain.Task {
	m := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		m[t.Step] = t
	}
	return m
}

func TestBuildWiresRoleHandoffs(t *testing.T) {
	owner := domain.ParticipantOwner("camp", "donor-1")
	tasks, err := Build(owner, Assignees{Donor: "donor-1", OrganizationApprover: "org-1"}, "donor-1", now)
	require.NoError(t, err)
	require.Len(t, tasks, len(Steps()))

	steps := tasksByStep(tasks)
	appraisal := steps[StepAppraisalSubmission]
	assert.Equal(t, domain.RoleValuer, appraisal.AssignedRole)
	assert.Equal(t, domain.PlaceholderValuer, appraisal.AssignedTo)
	assert.Equal(t, "camp_donor-1_appraisal_submission", appraisal.ID)

	donorApproval := steps[StepDonorApproval]
	assert.Equal(t, []string{appraisal.ID}, donorApproval.Dependencies)
	assert.Equal(t, "donor-1", donorApproval.AssignedTo)
	assert.Equal(t, []string{donorApproval.ID}, steps[StepOrganizationApproval].Dependencies)
	assert.Equal(t, "org-1", steps[StepOrganizationApproval].AssignedTo)

	assert.Equal(t, domain.StatusPending, steps[StepInviteAppraiser].Status)
	assert.Equal(t, domain.StatusPending, steps[StepCommitmentDecision].Status)
	assert.Equal(t, domain.StatusBlocked, steps[StepDonorDocuments].Status)
	for _, tk := range tasks {
		assert.Equal(t, domain.StructureVersioned, tk.Structure)
		assert.Equal(t, tk.Type, tk.Metadata.Kind)
	}
}

func TestBuildRejectsLegacyOwner(t *testing.T) {
	_, err := Build(domain.DonationOwner("don-1"), Assignees{Donor: "d", OrganizationApprover: "o"}, "d", now)
	require.Error(t, err)
}

func TestCheckAcyclic(t *testing.T) {
	require.NoError(t, CheckAcyclic([]domain.Task{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}}))
	err := CheckAcyclic([]domain.Task{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	})
	require.Error(t, err)
	require.Error(t, CheckAcyclic([]domain.Task{{ID: "a", Dependencies: []string{"a"}}}))
}

func legacyTask(donation, step string, status domain.Status, deps ...string) domain.Task {
	owner := domain.DonationOwner(donation)
	return domain.Task{
		ID:           domain.TaskID(owner, step),
		Owner:        owner,
		Step:         step,
		Type:         domain.TaskGeneric,
		Status:       status,
		Dependencies: deps,
		Structure:    domain.StructureLegacy,
		Metadata:     domain.NewMetadata(domain.TaskGeneric),
	}
}

func TestTranslateLegacyRepointsDanglingIDs(t *testing.T) {
	tasks := []domain.Task{
		legacyTask("don-1", LegacyAppraisal, domain.StatusCompleted),
		legacyTask("don-1", LegacyDonorApproval, domain.StatusBlocked, "camp_user_appraisal"),
		legacyTask("don-1", LegacyOrganizationApproval, domain.StatusBlocked, "don-1_donor_approval"),
	}
	out, rewrites := TranslateLegacy(tasks)
	require.Len(t, rewrites, 1)
	assert.Equal(t, Rewrite{TaskID: "don-1_donor_approval", From: "camp_user_appraisal", To: "don-1_appraisal"}, rewrites[0])
	assert.Equal(t, []string{"don-1_appraisal"}, out[1].Dependencies)
	assert.Equal(t, []string{"don-1_donor_approval"}, out[2].Dependencies)
	assert.Equal(t, []string{"camp_user_appraisal"}, tasks[1].Dependencies, "input must not be mutated")
}

func TestPlanMigrationCarriesCompletedSteps(t *testing.T) {
	done := "2023-06-01T00:00:00Z"
	upload := legacyTask("don-1", LegacyUploadDocuments, domain.StatusCompleted)
	upload.CompletedAt = &done
	legacy := []domain.Task{
		upload,
		legacyTask("don-1", LegacyAppraisal, domain.StatusPending, "x_upload_documents"),
	}
	owner := domain.ParticipantOwner("camp", "user")
	partial := []domain.Task{{ID: domain.TaskID(owner, StepInviteAppraiser), Owner: owner}}

	plan, err := PlanMigration(owner, Assignees{Donor: "user", OrganizationApprover: "org"}, legacy, partial, "user", now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"don-1_upload_documents", "don-1_appraisal", "camp_user_invite_appraiser"}, plan.Delete)
	require.Len(t, plan.Rewrites, 1)
	assert.Equal(t, []string{"camp_user_donor_documents"}, plan.CarriedOver)

	steps := tasksByStep(plan.Create)
	docs := steps[StepDonorDocuments]
	assert.Equal(t, domain.StatusCompleted, docs.Status)
	assert.Equal(t, &done, docs.CompletedAt)
	assert.Equal(t, "don-1_upload_documents", docs.Metadata.Completion["migrated_from"])
	assert.NotNil(t, docs.Metadata.Upload)
	assert.Equal(t, domain.StatusBlocked, steps[StepAppraiserReview].Status)
	assert.Equal(t, domain.StatusPending, steps[StepCommitmentDecision].Status)
}

func TestBuildLegacyChainsSteps(t *testing.T) {
	tasks := BuildLegacy("don-1", Assignees{Donor: "d", OrganizationApprover: "o", Valuer: "v"}, "d", now)
	require.Len(t, tasks, len(LegacySteps()))
	assert.Equal(t, domain.StatusPending, tasks[0].Status)
	for i, tk := range tasks {
		assert.Equal(t, domain.StructureLegacy, tk.Structure)
		assert.Equal(t, domain.OwnerDonation, tk.Owner.Kind)
		if i > 0 {
			assert.Equal(t, []string{tasks[i-1].ID}, tk.Dependencies)
			assert.Equal(t, domain.StatusBlocked, tk.Status)
		}
	}
	assert.Equal(t, "v", tasks[1].AssignedTo)
}

func TestPlanMigrationKeepsBoundValuer(t *testing.T) {
	legacy := BuildLegacy("don-1", Assignees{Donor: "user", OrganizationApprover: "org", Valuer: "val-9"}, "user", now)
	owner := domain.ParticipantOwner("camp", "user")
	plan, err := PlanMigration(owner, Assignees{Donor: "user", OrganizationApprover: "org"}, legacy, nil, "user", now)
	require.NoError(t, err)
	assert.Equal(t, "val-9", tasksByStep(plan.Create)[StepAppraisalSubmission].AssignedTo)
	assert.Empty(t, plan.CarriedOver)
	assert.Empty(t, plan.Rewrites)
}
