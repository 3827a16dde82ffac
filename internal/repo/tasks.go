package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pledgeline/internal/domain"
)

const taskColumns = `id,owner_kind,owner_id,step,type,title,COALESCE(description,''),assigned_role,assigned_to,status,sort_order,structure_version,metadata_json,created_by,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var ownerKind, taskType, role, status, metadata string
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &ownerKind, &t.Owner.ID, &t.Step, &taskType, &t.Title, &t.Description, &role, &t.AssignedTo,
		&status, &t.Order, &t.Structure, &metadata, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.Owner.Kind = domain.OwnerKind(ownerKind)
	t.Type = domain.TaskType(taskType)
	t.AssignedRole = domain.Role(role)
	t.Status = domain.Status(status)
	t.CompletedAt = stringPtr(completedAt)
	t.Metadata, err = domain.ParseMetadata(t.Type, metadata)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return t, nil
}

// InsertTask stores a task and its dependency edges.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := t.Metadata.Encode()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,owner_kind,owner_id,step,type,title,description,assigned_role,assigned_to,status,sort_order,structure_version,metadata_json,created_by,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Owner.Kind), t.Owner.ID, t.Step, string(t.Type), t.Title, nullable(t.Description), string(t.AssignedRole), t.AssignedTo,
		string(t.Status), t.Order, t.Structure, meta, t.CreatedBy, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return r.AddDependencies(ctx, tx, t.ID, t.Dependencies)
}

// UpdateTask writes every mutable column of t. Dependency edges are not touched.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := t.Metadata.Encode()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,assigned_to=?,status=?,sort_order=?,metadata_json=?,updated_at=?,completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.AssignedTo, string(t.Status), t.Order, meta, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTaskIfOpen marks t completed unless another writer already did.
// It reports whether this call performed the transition.
func (r Repo) CompleteTaskIfOpen(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	meta, err := t.Metadata.Encode()
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='completed',metadata_json=?,updated_at=?,completed_at=? WHERE id=? AND status<>'completed'`,
		meta, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTaskStatus writes a status computed by the resolver.
func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id string, status domain.Status, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,updated_at=? WHERE id=? AND status<>'completed'`, string(status), now, id)
	return err
}

// UpdateTaskMetadata persists metadata only, leaving status alone.
func (r Repo) UpdateTaskMetadata(ctx context.Context, tx *sql.Tx, id string, m domain.Metadata, now string) error {
	meta, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET metadata_json=?,updated_at=? WHERE id=?`, meta, now, id)
	return err
}

func (r Repo) DeleteTasks(ctx context.Context, tx *sql.Tx, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
		if err != nil {
			return deleted, fmt.Errorf("delete task %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	return deleted, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q DBTX, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return t, err
	}
	t.Dependencies, err = r.listTaskDependencies(ctx, q, t.ID)
	return t, err
}

// TaskFilters narrows ListTasks. Empty fields are ignored.
type TaskFilters struct {
	Owner    domain.Owner
	Type     domain.TaskType
	Statuses []domain.Status
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return r.listTasks(ctx, r.DB, f)
}

// ListOwnerTasks returns the whole partition, ordered for display.
func (r Repo) ListOwnerTasks(ctx context.Context, owner domain.Owner) ([]domain.Task, error) {
	return r.listTasks(ctx, r.DB, TaskFilters{Owner: owner})
}

func (r Repo) ListOwnerTasksTx(ctx context.Context, tx *sql.Tx, owner domain.Owner) ([]domain.Task, error) {
	return r.listTasks(ctx, tx, TaskFilters{Owner: owner})
}

func (r Repo) listTasks(ctx context.Context, q DBTX, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if !f.Owner.IsZero() {
		clauses = append(clauses, "owner_kind=? AND owner_id=?")
		args = append(args, string(f.Owner.Kind), f.Owner.ID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY sort_order ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		deps, err := r.listTaskDependencies(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Dependencies = deps
	}
	return res, nil
}

// CountTasksTx counts an owner's tasks at or above a structure version.
func (r Repo) CountTasksTx(ctx context.Context, tx *sql.Tx, owner domain.Owner, minStructure int) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE owner_kind=? AND owner_id=? AND structure_version>=?`,
		string(owner.Kind), owner.ID, minStructure).Scan(&n)
	return n, err
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	return r.listTaskDependencies(ctx, r.DB, taskID)
}

func (r Repo) listTaskDependencies(ctx context.Context, q DBTX, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deps := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// ListDependentsTx returns ids of tasks whose dependency list names taskID.
func (r Repo) ListDependentsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_id FROM task_deps WHERE depends_on_task_id=? ORDER BY task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if d == taskID {
			return fmt.Errorf("task %s cannot depend on itself", taskID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

// SetDependencies replaces the dependency list of a task.
func (r Repo) SetDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=?`, taskID); err != nil {
		return err
	}
	return r.AddDependencies(ctx, tx, taskID, deps)
}

// ReassignRoleTasks rewrites assigned_to for every task of a role in a partition.
func (r Repo) ReassignRoleTasks(ctx context.Context, tx *sql.Tx, owner domain.Owner, role domain.Role, userID, now string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_to=?,updated_at=? WHERE owner_kind=? AND owner_id=? AND assigned_role=? AND assigned_to<>?`,
		userID, now, string(owner.Kind), owner.ID, string(role), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
