package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	LeadCreated          = "lead.created"
	LeadMoved            = "lead.moved"
	LeadLost             = "lead.lost"
	TaskCreated          = "task.created"
	TaskCompleted        = "task.completed"
	TaskCancelled        = "task.cancelled"
	TaskOverdue          = "task.overdue"
	TaskGenerationFailed = "task.generation.failed"
	DispatchFailed       = "automation.dispatch.failed"
	RulesReplaced        = "rules.replaced"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside tx, or directly on the database when
// tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, companyID, entityKind, entityID, actorID string, payload EventPayload) error {
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
	if actorID == "" {
		actorID = "system"
	}
	const query = `INSERT INTO events(ts,type,company_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(companyID), entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
