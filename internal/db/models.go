package db

import (
	"errors"
	"time"

	"github.com/atelier-ai/atelier/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Task is the durable task record. The worker reads only ID and InputPrompt;
// everything else is owned by the store and the API facade.
type Task struct {
	ID            string            `db:"id" json:"id"`
	Title         *string           `db:"title" json:"title,omitempty"`
	InputPrompt   string            `db:"input_prompt" json:"input_prompt"`
	Status        models.TaskStatus `db:"status" json:"status"`
	ResultSummary *string           `db:"result_summary" json:"result_summary,omitempty"`
	ErrorMessage  *string           `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// EventRow is a persisted event. EventID is the worker-assigned per-task
// sequence; ID is the table's own key and never leaves the store.
type EventRow struct {
	ID        int64     `db:"id" json:"-"`
	TaskID    string    `db:"task_id" json:"task_id"`
	EventID   int64     `db:"event_id" json:"event_id"`
	EventKind string    `db:"event_kind" json:"kind"`
	StageName *string   `db:"stage_name" json:"stage_name,omitempty"`
	Payload   string    `db:"payload" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"timestamp"`
}

// Event converts the row back to the in-memory representation.
func (r EventRow) Event() models.Event {
	ev := models.Event{
		EventID:   r.EventID,
		TaskID:    r.TaskID,
		Timestamp: r.CreatedAt,
		Kind:      models.EventKind(r.EventKind),
		Payload:   models.RawPayload(r.Payload),
	}
	if r.StageName != nil {
		ev.StageName = *r.StageName
	}
	return ev
}

// AgentRun is one stage invocation record.
type AgentRun struct {
	ID            int64                 `db:"id" json:"id"`
	TaskID        string                `db:"task_id" json:"task_id"`
	AgentName     string                `db:"agent_name" json:"agent_name"`
	Status        models.AgentRunStatus `db:"status" json:"status"`
	StartedAt     time.Time             `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time            `db:"finished_at" json:"finished_at,omitempty"`
	OutputSummary *string               `db:"output_summary" json:"output_summary,omitempty"`
}

// AgentRunFinish carries the fields of a queued FinishAgentRun write.
type AgentRunFinish struct {
	ID            int64
	Status        models.AgentRunStatus
	OutputSummary string
}

// Artifact is a versioned file produced by the Engineer stage.
type Artifact struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	FilePath  string    `db:"file_path" json:"file_path"`
	Version   int       `db:"version" json:"version"`
	Content   string    `db:"content" json:"content"`
	Language  *string   `db:"language" json:"language,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TaskFilter narrows and pages task listings.
type TaskFilter struct {
	Status   models.TaskStatus
	Page     int
	PageSize int
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
