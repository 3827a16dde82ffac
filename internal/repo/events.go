package repo

import (
	"context"

	"pledgeline/internal/domain"
)

func (r Repo) ListEvents(ctx context.Context, owner domain.Owner, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id, ts, type, COALESCE(owner_kind,''), COALESCE(owner_id,''), COALESCE(task_id,''), actor_id, payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if !owner.IsZero() {
		query += ` AND owner_kind=? AND owner_id=?`
		args = append(args, string(owner.Kind), owner.ID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OwnerKind, &e.OwnerID, &e.TaskID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEventID returns the id of the newest event, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	return id, err
}
