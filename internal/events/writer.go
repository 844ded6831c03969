package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer appends audit events (run.create, run.submit, ...) to the
// registry database. Event failures are never fatal to the operation
// that produced them.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType string, runID int, payload EventPayload) error {
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
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(id,ts,type,run_id,payload_json) VALUES (?,?,?,?,?)`,
		uuid.NewString(), ts, evtType, nullableID(runID), string(data))
	return err
}

func nullableID(id int) any {
	if id == 0 {
		return nil
	}
	return id
}
