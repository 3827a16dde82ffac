package server

import (
	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
	"pledgeline/internal/monitor"
)

// Request payloads

type StartParticipationRequest struct {
	CampaignID string `json:"campaign_id" minLength:"1"`
	// DonorID defaults to the caller.
	DonorID                string `json:"donor_id,omitempty"`
	DonorEmail             string `json:"donor_email,omitempty"`
	OrganizationApproverID string `json:"organization_approver_id" minLength:"1"`
}

type CompleteTaskRequest struct {
	Upload    *domain.UploadMetadata    `json:"upload,omitempty"`
	Review    *domain.ReviewMetadata    `json:"review,omitempty"`
	Appraisal *domain.AppraisalMetadata `json:"appraisal,omitempty"`
	Payload   map[string]any            `json:"payload,omitempty"`
}

type AttachEnvelopeRequest struct {
	EnvelopeID string `json:"envelope_id" minLength:"1"`
}

type CommitmentDecisionRequest struct {
	Decision       string  `json:"decision" enum:"commit_now,commit_after_valuation"`
	Amount         float64 `json:"amount,omitempty"`
	CommitmentType string  `json:"commitment_type,omitempty"`
}

type CreateInvitationRequest struct {
	Email string `json:"email" minLength:"3"`
}

type MonitorRunRequest struct {
	Trigger string `json:"trigger,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status"`
}

type EventsResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// InvitationResponse omits the raw token. It only travels by email.
type InvitationResponse struct {
	Invitation domain.Invitation `json:"invitation"`
	Revoked    []string          `json:"revoked,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

func invitationResponse(res engine.InvitationResult) InvitationResponse {
	return InvitationResponse{
		Invitation: res.Invitation,
		Revoked:    res.Revoked,
		Warnings:   res.Warnings,
	}
}

type MonitorRunResponse struct {
	Summary monitor.Summary `json:"summary"`
}

func (r CompleteTaskRequest) options() engine.CompleteOptions {
	return engine.CompleteOptions{
		Upload:    r.Upload,
		Review:    r.Review,
		Appraisal: r.Appraisal,
		Payload:   r.Payload,
	}
}

func (r CommitmentDecisionRequest) input() engine.DecisionInput {
	return engine.DecisionInput{
		Decision: domain.Decision(r.Decision),
		Amount:   r.Amount,
		Type:     r.CommitmentType,
	}
}
