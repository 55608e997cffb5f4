package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.True(t, TaskStatusSucceeded.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
}

func TestEventKindTerminal(t *testing.T) {
	for _, k := range []EventKind{EventKindLog, EventKindMessage, EventKindStageStart, EventKindStageComplete} {
		assert.False(t, k.Terminal(), string(k))
	}
	assert.True(t, EventKindResult.Terminal())
	assert.True(t, EventKindError.Terminal())
}

func TestEventFrameShape(t *testing.T) {
	ev := Event{
		EventID:   3,
		TaskID:    "task-1",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		StageName: "PM",
		Kind:      EventKindMessage,
		Payload:   MessagePayload{Message: "Creating Product Requirements Document..."},
	}

	b := NewEventFrame(ev).Marshal()

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &frame))
	assert.Equal(t, "event", frame["type"])

	data := frame["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["event_id"])
	assert.Equal(t, "task-1", data["task_id"])
	assert.Equal(t, "PM", data["stage_name"])
	assert.Equal(t, "MESSAGE", data["kind"])

	payload := data["payload"].(map[string]interface{})
	assert.Equal(t, "Creating Product Requirements Document...", payload["message"])
}

func TestFileArtifactPayload(t *testing.T) {
	p := MessagePayload{
		Message:  "Generated main.py",
		FilePath: "app/main.py",
		Content:  "print('ok')\n",
		Kind:     "code",
		Language: "python",
	}

	b, err := json.Marshal(p)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "app/main.py", got["file_path"])
	assert.Equal(t, "code", got["kind"])
	assert.Equal(t, "python", got["language"])

	// Optional fields stay off the wire when unset.
	b, err = json.Marshal(MessagePayload{Message: "plain"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "file_path")
	assert.NotContains(t, string(b), "execution_result")
}

func TestRawPayloadPassthrough(t *testing.T) {
	ev := Event{EventID: 1, TaskID: "t", Kind: EventKindLog, Payload: RawPayload(`{"message":"Starting task"}`)}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"payload":{"message":"Starting task"}`)

	empty := Event{EventID: 2, TaskID: "t", Kind: EventKindLog, Payload: RawPayload(nil)}
	b, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"payload":{}`)
}

func TestStateChangedFrom(t *testing.T) {
	base := TaskState{TaskID: "t", Status: TaskStatusRunning, Progress: 0.3333, CurrentStage: "Architect"}

	assert.False(t, base.ChangedFrom(base))
	assert.False(t, TaskState{TaskID: "t", Status: TaskStatusRunning, Progress: 0.3350, CurrentStage: "Architect"}.ChangedFrom(base))
	assert.True(t, TaskState{TaskID: "t", Status: TaskStatusRunning, Progress: 0.6667, CurrentStage: "Architect"}.ChangedFrom(base))
	assert.True(t, TaskState{TaskID: "t", Status: TaskStatusRunning, Progress: 0.3333, CurrentStage: "Engineer"}.ChangedFrom(base))
	assert.True(t, TaskState{TaskID: "t", Status: TaskStatusSucceeded, Progress: 0.3333, CurrentStage: "Architect"}.ChangedFrom(base))
}
