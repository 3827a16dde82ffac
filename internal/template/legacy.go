package template

import (
	"sort"
	"strings"

	"pledgeline/internal/domain"
	"pledgeline/internal/resolve"
)

// Step keys of the legacy flat structure, keyed by donation id.
const (
	LegacyUploadDocuments      = "upload_documents"
	LegacyAppraisal            = "appraisal"
	LegacyDonorApproval        = "donor_approval"
	LegacyOrganizationApproval = "organization_approval"
	LegacySignAgreement        = "sign_agreement"
)

// legacyToVersioned maps legacy steps onto the versioned step that replaces them.
var legacyToVersioned = map[string]string{
	LegacyUploadDocuments:      StepDonorDocuments,
	LegacyAppraisal:            StepAppraisalSubmission,
	LegacyDonorApproval:        StepDonorApproval,
	LegacyOrganizationApproval: StepOrganizationApproval,
	LegacySignAgreement:        StepDonationAgreement,
}

var legacyFlat = []Step{
	{Key: LegacyUploadDocuments, Type: domain.TaskDocumentUpload, Role: domain.RoleDonor, Order: 1, Title: "Upload documents"},
	{Key: LegacyAppraisal, Type: domain.TaskAppraisalSubmission, Role: domain.RoleValuer, Order: 2, Title: "Appraisal",
		DependsOn: []string{LegacyUploadDocuments}},
	{Key: LegacyDonorApproval, Type: domain.TaskDocumentReview, Role: domain.RoleDonor, Order: 3, Title: "Donor approval",
		DependsOn: []string{LegacyAppraisal}},
	{Key: LegacyOrganizationApproval, Type: domain.TaskDocumentReview, Role: domain.RoleOrganizationApprover, Order: 4, Title: "Organization approval",
		DependsOn: []string{LegacyDonorApproval}},
	{Key: LegacySignAgreement, Type: domain.TaskSignature, Role: domain.RoleDonor, Order: 5, Title: "Sign agreement",
		DependsOn: []string{LegacyOrganizationApproval}},
}

// LegacySteps returns the legacy step keys in display order.
func LegacySteps() []string {
	keys := make([]string, len(legacyFlat))
	for i, s := range legacyFlat {
		keys[i] = s.Key
	}
	return keys
}

// BuildLegacy instantiates the flat donation-keyed structure. New
// participations never use it; it exists to load records that predate the
// versioned structure.
func BuildLegacy(donationID string, who Assignees, createdBy, now string) []domain.Task {
	owner := domain.DonationOwner(donationID)
	tasks := make([]domain.Task, 0, len(legacyFlat))
	for _, s := range legacyFlat {
		t := Instantiate(owner, s, who.For(s.Role), createdBy, now)
		t.Structure = domain.StructureLegacy
		tasks = append(tasks, t)
	}
	resolved, _ := resolve.Resolve(tasks)
	return resolved
}

// legacyValuer returns the real valuer bound in a legacy list, if any.
func legacyValuer(tasks []domain.Task) string {
	for _, t := range tasks {
		if t.AssignedRole == domain.RoleValuer && t.AssignedTo != "" && t.AssignedTo != domain.PlaceholderValuer {
			return t.AssignedTo
		}
	}
	return ""
}

// Rewrite records one dangling legacy dependency that was re-pointed.
type Rewrite struct {
	TaskID string
	From   string
	To     string
}

// TranslateLegacy rewrites dependency ids that do not exist in the set to the
// task whose step key is the id's suffix. Legacy creation wrote ids under
// whatever owner key was current at the time, so a reference such as
// "camp_user_appraisal" may point at "don-1_appraisal". This runs once, during
// migration; the resolver itself only matches ids exactly.
func TranslateLegacy(tasks []domain.Task) ([]domain.Task, []Rewrite) {
	ids := make(map[string]bool, len(tasks))
	steps := make(map[string]string, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
		steps[legacyStep(t)] = t.ID
	}
	keys := make([]string, 0, len(steps))
	for k := range steps {
		if k != "" {
			keys = append(keys, k)
		}
	}
	// Longest suffix first so "donor_approval" wins over "approval".
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	var rewrites []Rewrite
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t
		if len(t.Dependencies) == 0 {
			continue
		}
		deps := make([]string, 0, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if ids[dep] {
				deps = append(deps, dep)
				continue
			}
			target := ""
			for _, k := range keys {
				if dep == k || strings.HasSuffix(dep, "_"+k) {
					target = steps[k]
					break
				}
			}
			if target == "" || target == t.ID {
				deps = append(deps, dep)
				continue
			}
			deps = append(deps, target)
			rewrites = append(rewrites, Rewrite{TaskID: t.ID, From: dep, To: target})
		}
		out[i].Dependencies = deps
	}
	return out, rewrites
}

func legacyStep(t domain.Task) string {
	if t.Step != "" {
		return t.Step
	}
	return strings.TrimPrefix(t.ID, t.Owner.ID+"_")
}

// MigrationPlan is the complete batch for one owner's structural migration.
type MigrationPlan struct {
	Delete      []string
	Create      []domain.Task
	CarriedOver []string
	Rewrites    []Rewrite
}

// PlanMigration replaces legacy and partially migrated tasks with the
// versioned structure. Completed legacy steps carry their completion over to
// the versioned step that replaces them; everything else starts fresh.
func PlanMigration(owner domain.Owner, who Assignees, legacy, partial []domain.Task, actorID, now string) (MigrationPlan, error) {
	var plan MigrationPlan
	for _, t := range legacy {
		plan.Delete = append(plan.Delete, t.ID)
	}
	for _, t := range partial {
		plan.Delete = append(plan.Delete, t.ID)
	}

	translated, rewrites := TranslateLegacy(legacy)
	plan.Rewrites = rewrites
	effective, _ := resolve.Resolve(translated)
	completed := make(map[string]domain.Task)
	for _, t := range effective {
		if !t.IsCompleted() {
			continue
		}
		if step, ok := legacyToVersioned[legacyStep(t)]; ok {
			completed[step] = t
		}
	}

	if who.Valuer == "" {
		who.Valuer = legacyValuer(legacy)
	}
	fresh, err := Build(owner, who, actorID, now)
	if err != nil {
		return plan, err
	}
	for i, t := range fresh {
		old, ok := completed[t.Step]
		if !ok {
			continue
		}
		t.Status = domain.StatusCompleted
		t.CompletedAt = old.CompletedAt
		if t.CompletedAt == nil {
			ts := now
			t.CompletedAt = &ts
		}
		if t.Type == old.Type {
			t.Metadata = old.Metadata.Normalize(t.Type)
		}
		if t.Metadata.Completion == nil {
			t.Metadata.Completion = map[string]any{}
		}
		t.Metadata.Completion["migrated_from"] = old.ID
		fresh[i] = t
		plan.CarriedOver = append(plan.CarriedOver, t.ID)
	}
	plan.Create, _ = resolve.Resolve(fresh)
	return plan, nil
}
