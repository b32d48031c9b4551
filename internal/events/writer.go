package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Notification event types the engine emits. External senders render
// these into chat text; the engine never formats messages itself.
const (
	BatchStarted       = "batch.started"
	ItemResolved       = "item.resolved"
	DiscussionRequired = "discussion.required"
	BatchCompleted     = "batch.completed"
	BatchCancelled     = "batch.cancelled"
	VoterAdded         = "voter.added"
	VoterRemoved       = "voter.removed"
	VoteRecorded       = "vote.recorded"
	ReminderDue        = "reminder.due"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside the caller's transaction so a failed
// command leaves no trace of its notifications.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, batchID int64, issue, actor string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,batch_id,issue,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, batchID, nullable(issue), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
