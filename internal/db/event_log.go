package db

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/internal/models"
)

// InsertEvent appends an event_log row. Re-inserting the same
// (task_id, event_id) pair is a no-op so queued retries stay idempotent.
func (c *Client) InsertEvent(ctx context.Context, e *EventRow) error {
	if e == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}

	q := c.db.Rebind(`
		INSERT INTO event_log (task_id, event_id, event_kind, stage_name, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, event_id) DO NOTHING
	`)
	_, err := c.db.ExecContext(ctx, q, e.TaskID, e.EventID, e.EventKind, e.StageName, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertModelEvent adapts an in-memory event to a row and appends it.
func (c *Client) InsertModelEvent(ctx context.Context, ev models.Event) error {
	return c.InsertEvent(ctx, NewEventRow(ev))
}

// NewEventRow converts an in-memory event for persistence.
func NewEventRow(ev models.Event) *EventRow {
	row := &EventRow{
		TaskID:    ev.TaskID,
		EventID:   ev.EventID,
		EventKind: string(ev.Kind),
		Payload:   ev.PayloadJSON(),
		CreatedAt: ev.Timestamp,
	}
	if ev.StageName != "" {
		stage := ev.StageName
		row.StageName = &stage
	}
	return row
}

// FetchEvents returns a task's stored events with event_id > sinceID,
// ordered by event_id. limit <= 0 means no limit.
func (c *Client) FetchEvents(ctx context.Context, taskID string, sinceID int64, limit int) ([]EventRow, error) {
	rows := []EventRow{}
	q := `SELECT * FROM event_log WHERE task_id = ? AND event_id > ? ORDER BY event_id ASC`
	args := []interface{}{taskID, sinceID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return rows, nil
}

// CountEvents returns the number of stored events for a task.
func (c *Client) CountEvents(ctx context.Context, taskID string) (int64, error) {
	var n int64
	q := c.db.Rebind(`SELECT COUNT(*) FROM event_log WHERE task_id = ?`)
	if err := c.db.GetContext(ctx, &n, q, taskID); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
