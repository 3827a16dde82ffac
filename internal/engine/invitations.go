package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"pledgeline/internal/domain"
	"pledgeline/internal/email"
	"pledgeline/internal/engine/auth"
	"pledgeline/internal/events"
	"pledgeline/internal/repo"
	"pledgeline/internal/template"
)

const defaultInvitationTTL = 7 * 24 * time.Hour

type InvitationResult struct {
	Invitation domain.Invitation `json:"invitation"`
	// Token is returned once, at issuance. Only its hash is stored.
	Token     string   `json:"token,omitempty"`
	AcceptURL string   `json:"accept_url,omitempty"`
	Revoked   []string `json:"revoked,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (e Engine) invitationTTL() time.Duration {
	if e.Config != nil && e.Config.Invitations.TTL > 0 {
		return e.Config.Invitations.TTL
	}
	return defaultInvitationTTL
}

// CreateInvitation issues a valuer invitation for a participant owner. A
// pending invitation for the same owner is revoked. The email is sent after
// commit; a delivery failure is returned as a warning.
func (e Engine) CreateInvitation(ctx context.Context, actor auth.Actor, owner domain.Owner, invitedEmail string) (res InvitationResult, err error) {
	defer e.observe("create_invitation", &err)
	addr, perr := mail.ParseAddress(strings.TrimSpace(invitedEmail))
	if perr != nil {
		return res, validationf("invalid email %q", invitedEmail)
	}
	if owner.Kind != domain.OwnerParticipant {
		return res, validationf("invitations require a participant owner; migrate %s first", owner)
	}
	if err := e.Auth.Authenticated(actor); err != nil {
		return res, err
	}
	token, err := newToken()
	if err != nil {
		return res, err
	}
	now := e.now().UTC()
	stamp := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetParticipationTx(ctx, tx, owner.ID)
	if err != nil {
		return res, err
	}
	if !auth.IsOwnerDonor(actor, p) && !e.Auth.Elevated(actor) {
		return res, auth.ForbiddenError{Reason: "only the donor can invite a valuer"}
	}
	inviteTask, err := e.Repo.GetTaskTx(ctx, tx, domain.TaskID(owner, template.StepInviteAppraiser))
	if err != nil {
		return res, err
	}
	if inviteTask.IsCompleted() {
		return res, conflictf("a valuer has already accepted for %s", owner)
	}
	revoked, err := e.Repo.RevokePendingInvitations(ctx, tx, owner, domain.RoleValuer)
	if err != nil {
		return res, err
	}
	inv := domain.Invitation{
		ID:           uuid.NewString(),
		Token:        token,
		Owner:        owner,
		Role:         domain.RoleValuer,
		InvitedEmail: addr.Address,
		InvitedBy:    actor.UserID,
		Status:       domain.InvitationPending,
		ExpiresAt:    now.Add(e.invitationTTL()).Format(time.RFC3339),
		CreatedAt:    stamp,
	}
	if err := e.Repo.InsertInvitation(ctx, tx, inv); err != nil {
		return res, fmt.Errorf("insert invitation: %w", err)
	}
	m := inviteTask.Metadata.Normalize(inviteTask.Type)
	m.Invitation.InvitationID = inv.ID
	m.Invitation.InvitedEmail = inv.InvitedEmail
	inviteTask.Metadata = m
	inviteTask.UpdatedAt = stamp
	if inviteTask.Status == domain.StatusPending {
		inviteTask.Status = domain.StatusInProgress
	}
	if err := e.Repo.UpdateTask(ctx, tx, inviteTask); err != nil {
		return res, err
	}
	for _, id := range revoked {
		if err := e.events().Append(ctx, tx, events.InvitationRevoked, owner, inviteTask.ID, actor.UserID, events.EventPayload{"invitation_id": id}); err != nil {
			return res, err
		}
	}
	if err := e.events().Append(ctx, tx, events.InvitationCreated, owner, inviteTask.ID, actor.UserID, events.EventPayload{
		"invitation_id": inv.ID,
		"email":         inv.InvitedEmail,
		"expires_at":    inv.ExpiresAt,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res = InvitationResult{Invitation: inv, Token: token, Revoked: revoked, AcceptURL: e.acceptURL(token)}
	if err := e.sendInvitation(ctx, inv, res.AcceptURL, now.Add(e.invitationTTL())); err != nil {
		e.Log.Warn().Err(err).Str("invitation_id", inv.ID).Str("owner", owner.String()).Msg("invitation email failed")
		res.Warnings = append(res.Warnings, "invitation created but email failed to send: "+err.Error())
	}
	return res, nil
}

func (e Engine) acceptURL(token string) string {
	base := ""
	if e.Config != nil {
		base = e.Config.Email.AcceptURL
	}
	return base + token
}

func (e Engine) sendInvitation(ctx context.Context, inv domain.Invitation, acceptURL string, expires time.Time) error {
	if e.Mailer == nil {
		return errors.New("no email provider configured")
	}
	msg, err := email.Invitation(inv.InvitedEmail, email.InvitationData{AcceptURL: acceptURL, ExpiresAt: expires})
	if err != nil {
		return err
	}
	return e.Mailer.Send(ctx, msg)
}

type AcceptResult struct {
	Invitation      domain.Invitation `json:"invitation"`
	AlreadyAccepted bool              `json:"already_accepted"`
	Reassigned      int               `json:"reassigned"`
	RoleGranted     bool              `json:"role_granted"`
	Unblocked       []string          `json:"unblocked"`
}

// AcceptInvitation binds the valuer tasks of the invitation's owner to the
// accepting user. Repeating the call as the same user returns the same
// success without writing.
func (e Engine) AcceptInvitation(ctx context.Context, actor auth.Actor, token string) (res AcceptResult, err error) {
	defer e.observe("accept_invitation", &err)
	if err := e.Auth.Authenticated(actor); err != nil {
		return res, err
	}
	if strings.TrimSpace(token) == "" {
		return res, validationf("invitation token is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	inv, err := e.Repo.GetInvitationByTokenTx(ctx, tx, token)
	if err != nil {
		return res, err
	}
	res = AcceptResult{Invitation: inv, Unblocked: []string{}}
	switch inv.Status {
	case domain.InvitationAccepted:
		if inv.AcceptedBy == actor.UserID {
			res.AlreadyAccepted = true
			return res, nil
		}
		return res, fmt.Errorf("invitation %s was accepted by another user: %w", inv.ID, ErrInvitationNotPending)
	case domain.InvitationPending:
	default:
		return res, fmt.Errorf("invitation %s is %s: %w", inv.ID, inv.Status, ErrInvitationNotPending)
	}
	now := e.now().UTC()
	expires, perr := time.Parse(time.RFC3339, inv.ExpiresAt)
	if perr != nil {
		return res, fmt.Errorf("invitation %s has invalid expiry %q: %w", inv.ID, inv.ExpiresAt, perr)
	}
	if !now.Before(expires) {
		return res, fmt.Errorf("invitation %s expired at %s: %w", inv.ID, inv.ExpiresAt, ErrInvitationExpired)
	}
	if !actor.EmailVerified {
		return res, ErrEmailUnverified
	}
	if !strings.EqualFold(strings.TrimSpace(actor.Email), strings.TrimSpace(inv.InvitedEmail)) {
		return res, ErrEmailMismatch
	}

	stamp := now.Format(time.RFC3339)
	if err := e.Repo.EnsureUser(ctx, tx, actor.UserID, actor.Email, stamp); err != nil {
		return res, err
	}
	if err := e.Repo.AcceptInvitation(ctx, tx, inv.ID, actor.UserID, stamp); err != nil {
		return res, err
	}
	n, err := e.Repo.ReassignRoleTasks(ctx, tx, inv.Owner, inv.Role, actor.UserID, stamp)
	if err != nil {
		return res, err
	}
	granted, err := e.Repo.SetRoleIfEmpty(ctx, tx, actor.UserID, inv.Role)
	if err != nil {
		return res, err
	}
	if err := e.events().Append(ctx, tx, events.InvitationAccepted, inv.Owner, "", actor.UserID, events.EventPayload{
		"invitation_id": inv.ID,
		"reassigned":    n,
		"role_granted":  granted,
	}); err != nil {
		return res, err
	}

	inviteTask, err := e.Repo.GetTaskTx(ctx, tx, domain.TaskID(inv.Owner, template.StepInviteAppraiser))
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return res, err
	case !inviteTask.IsCompleted():
		m := inviteTask.Metadata.Normalize(inviteTask.Type)
		m.Invitation.InvitationID = inv.ID
		m.Invitation.InvitedEmail = inv.InvitedEmail
		m.Invitation.AcceptedBy = actor.UserID
		inviteTask.Metadata = m
		_, changes, err := e.completeTx(ctx, tx, inviteTask, actor.UserID, stamp)
		if err != nil {
			return res, err
		}
		res.Unblocked = unblocked(changes)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	inv.Status = domain.InvitationAccepted
	inv.AcceptedBy = actor.UserID
	inv.AcceptedAt = &stamp
	res.Invitation = inv
	res.Reassigned = n
	res.RoleGranted = granted
	return res, nil
}
