// Package template builds the fixed task lists of a donation.
//
// The versioned structure is compiled in; it is not a general process
// definition language. Dependencies are always written as directly
// resolvable task ids inside the owner partition.
package template

import (
	"fmt"
	"sort"

	"pledgeline/internal/domain"
	"pledgeline/internal/resolve"
)

// Step keys of the versioned participant structure.
const (
	StepInviteAppraiser       = "invite_appraiser"
	StepCommitmentDecision    = "commitment_decision"
	StepDonorDocuments        = "donor_documents"
	StepAppraiserEngagement   = "appraiser_engagement"
	StepAppraiserReview       = "appraiser_document_review"
	StepAppraisalSubmission   = "appraisal_submission"
	StepDonorApproval         = "donor_approval"
	StepFinalCommitment       = "final_commitment"
	StepOrganizationApproval  = "organization_approval"
	StepDonationAgreement     = "donation_agreement_signature"
	StepOrganizationSignature = "organization_countersignature"
)

// Step is one row of a compiled task list.
type Step struct {
	Key         string
	Type        domain.TaskType
	Role        domain.Role
	Title       string
	Description string
	Order       float64
	DependsOn   []string
}

var versioned = []Step{
	{Key: StepInviteAppraiser, Type: domain.TaskInvitation, Role: domain.RoleDonor, Order: 1,
		Title: "Invite an independent appraiser", Description: "Send an invitation to the valuer who will appraise the equity."},
	{Key: StepCommitmentDecision, Type: domain.TaskCommitmentDecision, Role: domain.RoleDonor, Order: 2,
		Title: "Decide when to commit", Description: "Commit now, or defer the commitment until the valuation is known."},
	{Key: StepDonorDocuments, Type: domain.TaskDocumentUpload, Role: domain.RoleDonor, Order: 3,
		Title: "Upload company documents", Description: "Cap table, share certificates and the latest financials.",
		DependsOn: []string{StepCommitmentDecision}},
	{Key: StepAppraiserEngagement, Type: domain.TaskSignature, Role: domain.RoleValuer, Order: 4,
		Title:     "Sign the engagement letter",
		DependsOn: []string{StepInviteAppraiser}},
	{Key: StepAppraiserReview, Type: domain.TaskDocumentReview, Role: domain.RoleValuer, Order: 5,
		Title:     "Review donor documents",
		DependsOn: []string{StepDonorDocuments, StepAppraiserEngagement}},
	{Key: StepAppraisalSubmission, Type: domain.TaskAppraisalSubmission, Role: domain.RoleValuer, Order: 6,
		Title:     "Submit the appraisal report",
		DependsOn: []string{StepAppraiserReview}},
	{Key: StepDonorApproval, Type: domain.TaskDocumentReview, Role: domain.RoleDonor, Order: 7,
		Title: "Approve the appraisal", Description: "Review and approve the valuer's report.",
		DependsOn: []string{StepAppraisalSubmission}},
	{Key: StepOrganizationApproval, Type: domain.TaskDocumentReview, Role: domain.RoleOrganizationApprover, Order: 8,
		Title: "Approve the donation", Description: "Organization review of the appraisal and donor documents.",
		DependsOn: []string{StepDonorApproval}},
	{Key: StepDonationAgreement, Type: domain.TaskSignature, Role: domain.RoleDonor, Order: 9,
		Title:     "Sign the donation agreement",
		DependsOn: []string{StepOrganizationApproval}},
	{Key: StepOrganizationSignature, Type: domain.TaskSignature, Role: domain.RoleOrganizationApprover, Order: 10,
		Title:     "Countersign the donation agreement",
		DependsOn: []string{StepDonationAgreement}},
}

// FinalCommitment is the conditional step created by a deferred commitment
// decision. It sits between the donor's and the organization's approval.
var FinalCommitment = Step{
	Key:   StepFinalCommitment,
	Type:  domain.TaskCommitmentDecision,
	Role:  domain.RoleDonor,
	Order: 7.5,
	Title: "Make the final commitment", Description: "Confirm the commitment now that the valuation is known.",
	DependsOn: []string{StepDonorApproval},
}

// Steps returns a copy of the versioned structure.
func Steps() []Step {
	out := make([]Step, len(versioned))
	copy(out, versioned)
	return out
}

// Assignees maps each role to the user who works its tasks.
type Assignees struct {
	Donor                string
	OrganizationApprover string
	Valuer               string
}

func (a Assignees) For(r domain.Role) string {
	switch r {
	case domain.RoleDonor:
		return a.Donor
	case domain.RoleOrganizationApprover:
		return a.OrganizationApprover
	case domain.RoleValuer:
		if a.Valuer == "" {
			return domain.PlaceholderValuer
		}
		return a.Valuer
	}
	return ""
}

// Build instantiates the versioned task list for one owner. Statuses are the
// resolver's projection of a fresh graph: tasks without dependencies start
// pending, everything else blocked.
func Build(owner domain.Owner, who Assignees, createdBy, now string) ([]domain.Task, error) {
	if owner.Kind != domain.OwnerParticipant {
		return nil, fmt.Errorf("versioned tasks require a participant owner, got %s", owner.Kind)
	}
	if who.Donor == "" || who.OrganizationApprover == "" {
		return nil, fmt.Errorf("donor and organization approver are required")
	}
	tasks := make([]domain.Task, 0, len(versioned))
	for _, s := range versioned {
		tasks = append(tasks, Instantiate(owner, s, who.For(s.Role), createdBy, now))
	}
	resolved, _ := resolve.Resolve(tasks)
	if err := CheckAcyclic(resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// Instantiate creates a single task from a step.
func Instantiate(owner domain.Owner, s Step, assignee, createdBy, now string) domain.Task {
	deps := make([]string, 0, len(s.DependsOn))
	for _, d := range s.DependsOn {
		deps = append(deps, domain.TaskID(owner, d))
	}
	status := domain.StatusPending
	if len(deps) > 0 {
		status = domain.StatusBlocked
	}
	return domain.Task{
		ID:           domain.TaskID(owner, s.Key),
		Owner:        owner,
		Step:         s.Key,
		Type:         s.Type,
		Title:        s.Title,
		Description:  s.Description,
		AssignedRole: s.Role,
		AssignedTo:   assignee,
		Status:       status,
		Dependencies: deps,
		Order:        s.Order,
		Structure:    domain.StructureVersioned,
		Metadata:     domain.NewMetadata(s.Type),
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CheckAcyclic rejects dependency graphs with a cycle.
func CheckAcyclic(tasks []domain.Task) error {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
