package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the audit log. One per engine mutation.
const (
	TypeRequestCreated    = "request.created"
	TypeRobotReported     = "robot.reported"
	TypeRequestReset      = "request.reset"
	TypeRequestTreated    = "request.treated"
	TypeRequestArchived   = "request.archived"
	TypeRequestUnarchived = "request.unarchived"
	TypeActorCreated      = "actor.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside the caller's transaction so the event
// commits or rolls back together with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, requestID int64, actorID string, payload EventPayload) error {
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
	var reqID any
	if requestID != 0 {
		reqID = requestID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,request_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, reqID, actorID, string(data))
	return err
}
