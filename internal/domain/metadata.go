package domain

import (
	"encoding/json"
	"fmt"
)

// Metadata is a tagged variant: Kind names the task type and exactly the
// matching payload pointer is set. Completion is shared by every kind.
type Metadata struct {
	Kind       TaskType            `json:"kind"`
	Upload     *UploadMetadata     `json:"upload,omitempty"`
	Review     *ReviewMetadata     `json:"review,omitempty"`
	Signature  *SignatureMetadata  `json:"signature,omitempty"`
	Decision   *DecisionMetadata   `json:"decision,omitempty"`
	Invitation *InvitationMetadata `json:"invitation,omitempty"`
	Appraisal  *AppraisalMetadata  `json:"appraisal,omitempty"`
	Completion map[string]any      `json:"completion,omitempty"`
}

type UploadMetadata struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type ReviewMetadata struct {
	Approved *bool  `json:"approved,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type SignatureMetadata struct {
	EnvelopeID     string `json:"envelope_id,omitempty"`
	ProviderStatus string `json:"provider_status,omitempty"`
	LastCheckedAt  string `json:"last_checked_at,omitempty"`
	CompletedVia   string `json:"completed_via,omitempty"`
	ArchivePath    string `json:"archive_path,omitempty"`
	ArchiveError   string `json:"archive_error,omitempty"`
}

// CompletedViaMonitoring marks signatures reconciled by the monitor.
const CompletedViaMonitoring = "completed-via-monitoring"

type DecisionMetadata struct {
	Options          []Decision `json:"options"`
	Conditional      bool       `json:"conditional,omitempty"`
	Decision         Decision   `json:"decision,omitempty"`
	DecidedAt        string     `json:"decided_at,omitempty"`
	CommitmentAmount float64    `json:"commitment_amount,omitempty"`
	CommitmentType   string     `json:"commitment_type,omitempty"`
}

type InvitationMetadata struct {
	InvitationID string `json:"invitation_id,omitempty"`
	InvitedEmail string `json:"invited_email,omitempty"`
	AcceptedBy   string `json:"accepted_by,omitempty"`
}

type AppraisalMetadata struct {
	AppraisedValue   float64 `json:"appraised_value,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	ReportDocumentID string  `json:"report_document_id,omitempty"`
}

// NewMetadata returns an empty variant for the task type.
func NewMetadata(t TaskType) Metadata {
	m := Metadata{Kind: t}
	switch t {
	case TaskDocumentUpload:
		m.Upload = &UploadMetadata{}
	case TaskDocumentReview:
		m.Review = &ReviewMetadata{}
	case TaskSignature:
		m.Signature = &SignatureMetadata{}
	case TaskCommitmentDecision:
		m.Decision = &DecisionMetadata{Options: []Decision{DecisionCommitNow, DecisionCommitAfterValuation}}
	case TaskInvitation:
		m.Invitation = &InvitationMetadata{}
	case TaskAppraisalSubmission:
		m.Appraisal = &AppraisalMetadata{}
	}
	return m
}

// Validate checks that only the payload matching Kind is present.
func (m Metadata) Validate() error {
	set := map[TaskType]bool{
		TaskDocumentUpload:      m.Upload != nil,
		TaskDocumentReview:      m.Review != nil,
		TaskSignature:           m.Signature != nil,
		TaskCommitmentDecision:  m.Decision != nil,
		TaskInvitation:          m.Invitation != nil,
		TaskAppraisalSubmission: m.Appraisal != nil,
	}
	for kind, present := range set {
		if present && kind != m.Kind {
			return fmt.Errorf("metadata for %s carries %s payload", m.Kind, kind)
		}
	}
	return nil
}

// Normalize fills the variant payload if a stored document predates it.
func (m Metadata) Normalize(t TaskType) Metadata {
	if m.Kind == "" {
		m.Kind = t
	}
	fresh := NewMetadata(m.Kind)
	switch m.Kind {
	case TaskDocumentUpload:
		if m.Upload == nil {
			m.Upload = fresh.Upload
		}
	case TaskDocumentReview:
		if m.Review == nil {
			m.Review = fresh.Review
		}
	case TaskSignature:
		if m.Signature == nil {
			m.Signature = fresh.Signature
		}
	case TaskCommitmentDecision:
		if m.Decision == nil {
			m.Decision = fresh.Decision
		}
	case TaskInvitation:
		if m.Invitation == nil {
			m.Invitation = fresh.Invitation
		}
	case TaskAppraisalSubmission:
		if m.Appraisal == nil {
			m.Appraisal = fresh.Appraisal
		}
	}
	return m
}

// Encode serializes metadata for the metadata_json column.
func (m Metadata) Encode() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func ParseMetadata(t TaskType, raw string) (Metadata, error) {
	if raw == "" {
		return NewMetadata(t), nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m.Normalize(t), nil
}
