package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadline/internal/domain"
)

const (
	OutreachCreated  = "outreach.created"
	OutreachStatus   = "outreach.status"
	OutreachApproved = "outreach.approved"
	OutreachUpdated  = "outreach.updated"
	LeadUpserted     = "lead.upserted"
	LeadStage        = "lead.stage"
)

// Writer appends journal entries inside the caller's transaction so a state
// change and its record commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Transition journals a status change from -> to.
func (w Writer) Transition(ctx context.Context, tx *sql.Tx, outreachID, actorID string, from, to domain.OutreachStatus, reason string) error {
	payload := EventPayload{"from": string(from), "to": string(to)}
	if reason != "" {
		payload["reason"] = reason
	}
	return w.Append(ctx, tx, OutreachStatus, "outreach", outreachID, actorID, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
