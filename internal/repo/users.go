package repo

import (
	"context"
	"database/sql"
	"strings"

	"pledgeline/internal/domain"
)

// EnsureUser records a user the first time it is seen. A known email is kept.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, id, email, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id, email, role, created_at) VALUES (?,?,NULL,?)
ON CONFLICT(id) DO UPDATE SET email=COALESCE(users.email, excluded.email)`, id, nullable(strings.TrimSpace(email)), now)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return r.getUser(ctx, r.DB, id)
}

func (r Repo) getUser(ctx context.Context, q DBTX, id string) (domain.User, error) {
	var u domain.User
	var role string
	err := q.QueryRowContext(ctx, `SELECT id, COALESCE(email,''), COALESCE(role,''), created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Email, &role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Role = domain.Role(role)
	return u, err
}

// SetRoleIfEmpty grants role only to users that have none yet. It reports
// whether the role was written.
func (r Repo) SetRoleIfEmpty(ctx context.Context, tx *sql.Tx, userID string, role domain.Role) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE users SET role=? WHERE id=? AND (role IS NULL OR role='')`, string(role), userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
