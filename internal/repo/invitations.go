package repo

import (
	"context"
	"database/sql"
	"fmt"

	"pledgeline/internal/domain"
)

const invitationColumns = `id,owner_kind,owner_id,role,invited_email,invited_by,status,COALESCE(accepted_by,''),accepted_at,expires_at,created_at`

func scanInvitation(row rowScanner) (domain.Invitation, error) {
	var inv domain.Invitation
	var kind, role, status string
	var acceptedAt sql.NullString
	err := row.Scan(&inv.ID, &kind, &inv.Owner.ID, &role, &inv.InvitedEmail, &inv.InvitedBy, &status,
		&inv.AcceptedBy, &acceptedAt, &inv.ExpiresAt, &inv.CreatedAt)
	inv.Owner.Kind = domain.OwnerKind(kind)
	inv.Role = domain.Role(role)
	inv.Status = domain.InvitationStatus(status)
	inv.AcceptedAt = stringPtr(acceptedAt)
	return inv, err
}

// InsertInvitation stores inv with its token hashed. inv.Token must hold the raw token.
func (r Repo) InsertInvitation(ctx context.Context, tx *sql.Tx, inv domain.Invitation) error {
	if inv.Token == "" {
		return fmt.Errorf("invitation %s: token required", inv.ID)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO invitations(id,token_hash,owner_kind,owner_id,role,invited_email,invited_by,status,expires_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, HashSecret(inv.Token), string(inv.Owner.Kind), inv.Owner.ID, string(inv.Role), inv.InvitedEmail, inv.InvitedBy,
		string(inv.Status), inv.ExpiresAt, inv.CreatedAt)
	return err
}

// GetInvitationByTokenTx looks an invitation up by its raw token.
func (r Repo) GetInvitationByTokenTx(ctx context.Context, tx *sql.Tx, token string) (domain.Invitation, error) {
	inv, err := scanInvitation(tx.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE token_hash=?`, HashSecret(token)))
	if err == sql.ErrNoRows {
		return inv, fmt.Errorf("invitation: %w", ErrNotFound)
	}
	return inv, err
}

func (r Repo) GetInvitation(ctx context.Context, id string) (domain.Invitation, error) {
	inv, err := scanInvitation(r.DB.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return inv, fmt.Errorf("invitation %s: %w", id, ErrNotFound)
	}
	return inv, err
}

// AcceptInvitation moves a pending invitation to accepted.
func (r Repo) AcceptInvitation(ctx context.Context, tx *sql.Tx, id, userID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE invitations SET status='accepted', accepted_by=?, accepted_at=? WHERE id=? AND status='pending'`, userID, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invitation %s: %w", id, ErrNotFound)
	}
	return nil
}

// RevokePendingInvitations revokes every pending invitation of a role in a
// partition and returns the revoked ids.
func (r Repo) RevokePendingInvitations(ctx context.Context, tx *sql.Tx, owner domain.Owner, role domain.Role) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM invitations WHERE owner_kind=? AND owner_id=? AND role=? AND status='pending' ORDER BY id`,
		string(owner.Kind), owner.ID, string(role))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE invitations SET status='revoked' WHERE id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
