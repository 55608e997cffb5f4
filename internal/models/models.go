// Package models defines the event and task-state value types shared by the
// engine: the closed set of event kinds, task and agent-run statuses, the
// per-kind payload variants, and the wire frames pushed to stream clients.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// EventKind discriminates event payloads.
type EventKind string

const (
	EventKindLog           EventKind = "LOG"
	EventKindMessage       EventKind = "MESSAGE"
	EventKindStageStart    EventKind = "STAGE_START"
	EventKindStageComplete EventKind = "STAGE_COMPLETE"
	EventKindResult        EventKind = "RESULT"
	EventKindError         EventKind = "ERROR"
)

// Terminal reports whether the kind closes a task's event stream.
func (k EventKind) Terminal() bool {
	return k == EventKindResult || k == EventKindError
}

// AgentRunStatus is the lifecycle state of a single stage invocation.
type AgentRunStatus string

const (
	AgentRunStarted   AgentRunStatus = "STARTED"
	AgentRunRunning   AgentRunStatus = "RUNNING"
	AgentRunCompleted AgentRunStatus = "COMPLETED"
	AgentRunFailed    AgentRunStatus = "FAILED"
	AgentRunCancelled AgentRunStatus = "CANCELLED"
)

// Payload is the kind-specific content of an event. Implementations marshal
// to the JSON object carried in the event's payload field.
type Payload interface {
	isPayload()
}

// LogPayload carries operational notes (kind LOG).
type LogPayload struct {
	Message string `json:"message"`
}

// MessagePayload carries stage output (kind MESSAGE). File-artifact messages
// set FilePath/Content/Kind and optionally Language; execution-result
// messages set ExecutionResult.
type MessagePayload struct {
	Message         string `json:"message"`
	FilePath        string `json:"file_path,omitempty"`
	Content         string `json:"content,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Language        string `json:"language,omitempty"`
	ExecutionResult string `json:"execution_result,omitempty"`
}

// StageStartPayload marks a stage beginning work (kind STAGE_START).
type StageStartPayload struct {
	Message string `json:"message"`
}

// StageCompletePayload marks a stage finishing (kind STAGE_COMPLETE).
type StageCompletePayload struct {
	Message string `json:"message"`
	Summary string `json:"summary,omitempty"`
}

// ResultPayload carries the final aggregate on success (kind RESULT).
type ResultPayload struct {
	Result map[string]interface{} `json:"result"`
}

// ErrorPayload carries any failure (kind ERROR).
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (LogPayload) isPayload()           {}
func (MessagePayload) isPayload()       {}
func (StageStartPayload) isPayload()    {}
func (StageCompletePayload) isPayload() {}
func (ResultPayload) isPayload()        {}
func (ErrorPayload) isPayload()         {}

// RawPayload is a payload already serialized to JSON, used when events are
// rehydrated from the durable log.
type RawPayload json.RawMessage

func (RawPayload) isPayload() {}

// MarshalJSON emits the raw bytes unchanged, or an empty object when unset.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return []byte(p), nil
}

// Event is one immutable unit of observation emitted by a worker. EventID is
// per-task, starts at 1, and is strictly monotonic in emission order.
type Event struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	StageName string    `json:"stage_name,omitempty"`
	Kind      EventKind `json:"kind"`
	Payload   Payload   `json:"payload"`
}

// Terminal reports whether the event closes its task's stream.
func (e Event) Terminal() bool { return e.Kind.Terminal() }

// UnmarshalJSON decodes an event, keeping the payload raw so callers can
// re-serialize it identically regardless of kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		EventID   int64           `json:"event_id"`
		TaskID    string          `json:"task_id"`
		Timestamp time.Time       `json:"timestamp"`
		StageName string          `json:"stage_name"`
		Kind      EventKind       `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.EventID = wire.EventID
	e.TaskID = wire.TaskID
	e.Timestamp = wire.Timestamp
	e.StageName = wire.StageName
	e.Kind = wire.Kind
	e.Payload = RawPayload(wire.Payload)
	return nil
}

// PayloadJSON serializes the payload for durable storage.
func (e Event) PayloadJSON() string {
	if e.Payload == nil {
		return "{}"
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// TaskState is the mutable per-task snapshot owned by the worker. All
// readers receive copies; Result maps are never mutated after assignment.
type TaskState struct {
	TaskID       string                 `json:"task_id"`
	Status       TaskStatus             `json:"status"`
	Progress     float64                `json:"progress"`
	CurrentStage string                 `json:"current_stage,omitempty"`
	LastMessage  string                 `json:"last_message,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
}

// ChangedFrom reports whether the snapshot differs from prev in a way a
// stream client should see: status flip, stage change, or progress movement
// beyond jitter.
func (s TaskState) ChangedFrom(prev TaskState) bool {
	if s.Status != prev.Status || s.CurrentStage != prev.CurrentStage {
		return true
	}
	d := s.Progress - prev.Progress
	if d < 0 {
		d = -d
	}
	return d > 0.01
}

// Frame types pushed over the stream transports.
const (
	FrameTypeConnected = "connected"
	FrameTypeEvent     = "event"
	FrameTypeState     = "state"
	FrameTypeError     = "error"
)

// Frame is the envelope for every server-to-client stream message.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ConnectedData is the payload of the initial connected frame.
type ConnectedData struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// NewConnectedFrame builds the greeting frame sent after subscription.
func NewConnectedFrame(taskID, message string) Frame {
	return Frame{Type: FrameTypeConnected, Data: ConnectedData{TaskID: taskID, Message: message}}
}

// NewEventFrame wraps an event for the wire.
func NewEventFrame(e Event) Frame {
	return Frame{Type: FrameTypeEvent, Data: e}
}

// NewStateFrame wraps a state snapshot for the wire.
func NewStateFrame(s TaskState) Frame {
	return Frame{Type: FrameTypeState, Data: s}
}

// NewErrorFrame wraps an error message for the wire.
func NewErrorFrame(message string) Frame {
	return Frame{Type: FrameTypeError, Data: ErrorData{Message: message}}
}

// Marshal returns the frame as JSON, falling back to an error frame if the
// data cannot be serialized.
func (f Frame) Marshal() []byte {
	b, err := json.Marshal(f)
	if err != nil {
		b, _ = json.Marshal(Frame{Type: FrameTypeError, Data: ErrorData{Message: "serialization failure"}})
	}
	return b
}
