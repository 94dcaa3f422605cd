package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded on the audit trail. Denied approvals record nothing.
const (
	RequestSubmitted = "request.submitted"
	RequestApproved  = "request.approved"
	RequestDeleted   = "request.deleted"
	RequestReleased  = "request.released"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit record inside the caller's transaction. Records are
// never updated or deleted afterwards.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, ieid, agentID string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,ieid,agent_identifier,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(ieid), agentID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
