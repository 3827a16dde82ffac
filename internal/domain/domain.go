package domain

import (
	"errors"
	"fmt"
	"strings"
)

// OwnerKind tags which historical id scheme an owner partition uses.
type OwnerKind string

const (
	OwnerDonation    OwnerKind = "donation"
	OwnerParticipant OwnerKind = "participant"
)

// Owner identifies one task partition. Legacy donation ids and participant ids
// ({campaignId}_{userId}) never share a partition even if the strings collide.
type Owner struct {
	Kind OwnerKind `json:"kind" enum:"donation,participant"`
	ID   string    `json:"id"`
}

func DonationOwner(id string) Owner {
	return Owner{Kind: OwnerDonation, ID: id}
}

func ParticipantOwner(campaignID, userID string) Owner {
	return Owner{Kind: OwnerParticipant, ID: ParticipantID(campaignID, userID)}
}

// ParticipantID builds the participant key for a campaign member.
func ParticipantID(campaignID, userID string) string {
	return campaignID + "_" + userID
}

// ParseOwner resolves an owner at an API or CLI boundary.
func ParseOwner(kind, id string) (Owner, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Owner{}, errors.New("owner id is required")
	}
	switch OwnerKind(kind) {
	case OwnerDonation, OwnerParticipant:
		return Owner{Kind: OwnerKind(kind), ID: id}, nil
	}
	return Owner{}, fmt.Errorf("invalid owner kind %q", kind)
}

func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

func (o Owner) IsZero() bool {
	return o.Kind == "" && o.ID == ""
}

// TaskID derives the deterministic id of a template step inside a partition.
func TaskID(o Owner, step string) string {
	return o.ID + "_" + step
}

type TaskType string

const (
	TaskDocumentUpload      TaskType = "document_upload"
	TaskDocumentReview      TaskType = "document_review"
	TaskSignature           TaskType = "signature"
	TaskCommitmentDecision  TaskType = "commitment_decision"
	TaskInvitation          TaskType = "invitation"
	TaskAppraisalSubmission TaskType = "appraisal_submission"
	TaskGeneric             TaskType = "generic"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskDocumentUpload, TaskDocumentReview, TaskSignature, TaskCommitmentDecision,
		TaskInvitation, TaskAppraisalSubmission, TaskGeneric:
		return true
	}
	return false
}

type Role string

const (
	RoleDonor                Role = "donor"
	RoleOrganizationApprover Role = "organization_approver"
	RoleValuer               Role = "valuer"
	RoleAdmin                Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDonor, RoleOrganizationApprover, RoleValuer, RoleAdmin:
		return true
	}
	return false
}

type Status string

const (
	StatusBlocked    Status = "blocked"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusBlocked, StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Structure versions of an owner's task list.
const (
	StructureLegacy    = 1
	StructureVersioned = 2
)

type Task struct {
	ID           string   `json:"id"`
	Owner        Owner    `json:"owner"`
	Step         string   `json:"step"`
	Type         TaskType `json:"type"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	AssignedRole Role     `json:"assigned_role"`
	AssignedTo   string   `json:"assigned_to"`
	Status       Status   `json:"status"`
	Dependencies []string `json:"dependencies"`
	Order        float64  `json:"order"`
	Structure    int      `json:"structure_version"`
	Metadata     Metadata `json:"metadata"`
	CreatedBy    string   `json:"created_by"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

func (t Task) IsCompleted() bool {
	return t.Status == StatusCompleted
}

// Placeholder assignee for the valuer role until an invitation is accepted.
const PlaceholderValuer = "pending-valuer"

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
)

type Invitation struct {
	ID           string           `json:"id"`
	Token        string           `json:"-"`
	Owner        Owner            `json:"owner"`
	Role         Role             `json:"role"`
	InvitedEmail string           `json:"invited_email"`
	InvitedBy    string           `json:"invited_by"`
	Status       InvitationStatus `json:"status"`
	AcceptedBy   string           `json:"accepted_by,omitempty"`
	AcceptedAt   *string          `json:"accepted_at,omitempty" format:"date-time"`
	ExpiresAt    string           `json:"expires_at" format:"date-time"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
}

type Decision string

const (
	DecisionCommitNow            Decision = "commit_now"
	DecisionCommitAfterValuation Decision = "commit_after_valuation"
)

func (d Decision) Valid() bool {
	return d == DecisionCommitNow || d == DecisionCommitAfterValuation
}

type Commitment struct {
	Owner       Owner   `json:"owner"`
	Amount      float64 `json:"amount"`
	Type        string  `json:"type"`
	CommittedBy string  `json:"committed_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type ParticipationStatus string

const (
	ParticipationActive            ParticipationStatus = "active"
	ParticipationCommitted         ParticipationStatus = "committed"
	ParticipationAwaitingValuation ParticipationStatus = "awaiting_valuation"
)

type Participation struct {
	ID                     string              `json:"id"`
	CampaignID             string              `json:"campaign_id"`
	UserID                 string              `json:"user_id"`
	OrganizationApproverID string              `json:"organization_approver_id"`
	LegacyDonationID       string              `json:"legacy_donation_id,omitempty"`
	Status                 ParticipationStatus `json:"status"`
	CreatedAt              string              `json:"created_at" format:"date-time"`
	UpdatedAt              string              `json:"updated_at" format:"date-time"`
}

func (p Participation) Owner() Owner {
	return Owner{Kind: OwnerParticipant, ID: p.ID}
}

// Donation is the legacy record that owned flat task lists.
type Donation struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	DonorID    string `json:"donor_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	OwnerKind string `json:"owner_kind,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
