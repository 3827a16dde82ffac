package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pledgeline/internal/config"
	"pledgeline/internal/domain"
	"pledgeline/internal/email"
	"pledgeline/internal/engine/auth"
	"pledgeline/internal/events"
	"pledgeline/internal/metrics"
	"pledgeline/internal/repo"
	"pledgeline/internal/resolve"
)

// Engine runs every state-changing transition. Each transition is one
// transaction: task writes, sibling records and the event log commit together.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Auth    auth.Service
	Mailer  email.Sender
	Metrics *metrics.Metrics
	Log     zerolog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Auth:   auth.Service{AdminRoles: cfg.Auth.AdminRoles},
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) observe(kind string, err *error) {
	e.Metrics.Transition(kind, *err)
}

// resolvePartitionTx re-runs the resolver over the owner's whole partition and
// persists every correction. Each candidate is checked against its full
// dependency list, not only the task that just changed.
func (e Engine) resolvePartitionTx(ctx context.Context, tx *sql.Tx, owner domain.Owner, actorID, now string) ([]resolve.Change, error) {
	tasks, err := e.Repo.ListOwnerTasksTx(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	_, changes := resolve.Resolve(tasks)
	for _, c := range changes {
		if err := e.Repo.SetTaskStatus(ctx, tx, c.TaskID, c.To, now); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", c.TaskID, err)
		}
	}
	if len(changes) > 0 {
		if err := e.events().Append(ctx, tx, events.TasksResolved, owner, "", actorID, events.EventPayload{"changes": changes}); err != nil {
			return nil, err
		}
	}
	e.Metrics.Unblocked(len(unblocked(changes)))
	return changes, nil
}

// unblocked lists tasks the resolver moved out of blocked.
func unblocked(changes []resolve.Change) []string {
	ids := []string{}
	for _, c := range changes {
		if c.From == domain.StatusBlocked && c.To != domain.StatusBlocked {
			ids = append(ids, c.TaskID)
		}
	}
	return ids
}

// completeTx marks t completed unless another writer got there first, then
// resolves the partition. t carries the metadata to store.
func (e Engine) completeTx(ctx context.Context, tx *sql.Tx, t domain.Task, actorID, now string) (domain.Task, []resolve.Change, error) {
	t.Status = domain.StatusCompleted
	t.UpdatedAt = now
	t.CompletedAt = &now
	ok, err := e.Repo.CompleteTaskIfOpen(ctx, tx, t)
	if err != nil {
		return t, nil, err
	}
	if !ok {
		return t, nil, fmt.Errorf("task %s: %w", t.ID, ErrAlreadyCompleted)
	}
	if err := e.events().Append(ctx, tx, events.TaskCompleted, t.Owner, t.ID, actorID, events.EventPayload{
		"type":      t.Type,
		"step":      t.Step,
		"via":       completedVia(t),
		"completed": now,
	}); err != nil {
		return t, nil, err
	}
	changes, err := e.resolvePartitionTx(ctx, tx, t.Owner, actorID, now)
	if err != nil {
		return t, nil, err
	}
	return t, changes, nil
}

func completedVia(t domain.Task) string {
	if t.Metadata.Signature != nil && t.Metadata.Signature.CompletedVia != "" {
		return t.Metadata.Signature.CompletedVia
	}
	return "user"
}

// requireWorkable rejects completed and blocked tasks.
func requireWorkable(t domain.Task, tasks []domain.Task) error {
	if t.IsCompleted() {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyCompleted)
	}
	if t.Status == domain.StatusBlocked {
		return fmt.Errorf("task %s waits on %v: %w", t.ID, resolve.Incomplete(t, tasks), ErrTaskBlocked)
	}
	return nil
}
