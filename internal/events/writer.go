package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pledgeline/internal/domain"
)

// Event types written by the engine and the monitor.
const (
	ParticipationStarted = "participation.started"
	TaskStarted          = "task.started"
	TaskCompleted        = "task.completed"
	TasksResolved        = "tasks.resolved"
	DecisionSubmitted    = "commitment.decided"
	FinalTaskInserted    = "task.inserted"
	InvitationCreated    = "invitation.created"
	InvitationRevoked    = "invitation.revoked"
	InvitationAccepted   = "invitation.accepted"
	TasksMigrated        = "tasks.migrated"
	EnvelopeAttached     = "signature.envelope_attached"
	SignatureChecked     = "signature.checked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, owner domain.Owner, taskID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,owner_kind,owner_id,task_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(string(owner.Kind)), nullable(owner.ID), nullable(taskID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
