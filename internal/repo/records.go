package repo

import (
	"context"
	"database/sql"
	"fmt"

	"pledgeline/internal/domain"
)

const participationColumns = `id,campaign_id,user_id,organization_approver_id,COALESCE(legacy_donation_id,''),status,created_at,updated_at`

func scanParticipation(row rowScanner) (domain.Participation, error) {
	var p domain.Participation
	var status string
	err := row.Scan(&p.ID, &p.CampaignID, &p.UserID, &p.OrganizationApproverID, &p.LegacyDonationID, &status, &p.CreatedAt, &p.UpdatedAt)
	p.Status = domain.ParticipationStatus(status)
	return p, err
}

func (r Repo) InsertParticipation(ctx context.Context, tx *sql.Tx, p domain.Participation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participations(id,campaign_id,user_id,organization_approver_id,legacy_donation_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.CampaignID, p.UserID, p.OrganizationApproverID, nullable(p.LegacyDonationID), string(p.Status), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetParticipation(ctx context.Context, id string) (domain.Participation, error) {
	return r.getParticipation(ctx, r.DB, id)
}

func (r Repo) GetParticipationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Participation, error) {
	return r.getParticipation(ctx, tx, id)
}

func (r Repo) getParticipation(ctx context.Context, q DBTX, id string) (domain.Participation, error) {
	p, err := scanParticipation(q.QueryRowContext(ctx, `SELECT `+participationColumns+` FROM participations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("participation %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (r Repo) SetParticipationStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ParticipationStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE participations SET status=?, updated_at=? WHERE id=?`, string(status), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("participation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) ListParticipations(ctx context.Context, campaignID string) ([]domain.Participation, error) {
	query := `SELECT ` + participationColumns + ` FROM participations`
	var args []any
	if campaignID != "" {
		query += ` WHERE campaign_id=?`
		args = append(args, campaignID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertDonation(ctx context.Context, tx *sql.Tx, d domain.Donation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO donations(id,campaign_id,donor_id,status,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.CampaignID, d.DonorID, d.Status, d.CreatedAt)
	return err
}

func (r Repo) GetDonationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Donation, error) {
	var d domain.Donation
	err := tx.QueryRowContext(ctx, `SELECT id,campaign_id,donor_id,status,created_at FROM donations WHERE id=?`, id).
		Scan(&d.ID, &d.CampaignID, &d.DonorID, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, fmt.Errorf("donation %s: %w", id, ErrNotFound)
	}
	return d, err
}

// UpsertCommitment writes the single commitment record of a partition.
func (r Repo) UpsertCommitment(ctx context.Context, tx *sql.Tx, c domain.Commitment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commitments(owner_kind,owner_id,amount,commitment_type,committed_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(owner_kind, owner_id) DO UPDATE SET amount=excluded.amount, commitment_type=excluded.commitment_type,
  committed_by=excluded.committed_by, updated_at=excluded.updated_at`,
		string(c.Owner.Kind), c.Owner.ID, c.Amount, c.Type, c.CommittedBy, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCommitment(ctx context.Context, owner domain.Owner) (domain.Commitment, error) {
	var c domain.Commitment
	var kind string
	err := r.DB.QueryRowContext(ctx, `SELECT owner_kind,owner_id,amount,commitment_type,committed_by,created_at,updated_at FROM commitments WHERE owner_kind=? AND owner_id=?`,
		string(owner.Kind), owner.ID).Scan(&kind, &c.Owner.ID, &c.Amount, &c.Type, &c.CommittedBy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("commitment %s: %w", owner, ErrNotFound)
	}
	c.Owner.Kind = domain.OwnerKind(kind)
	return c, err
}
