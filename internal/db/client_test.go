package db

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		Driver:    "sqlite",
		DSN:       ":memory:",
		QueueSize: 64,
		Workers:   2,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, client.EnsureSchema(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client
}

func createTask(t *testing.T, c *Client, id, prompt string) *Task {
	t.Helper()
	task := &Task{ID: id, InputPrompt: prompt}
	require.NoError(t, c.CreateTask(context.Background(), task))
	return task
}

func TestTaskLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created := createTask(t, c, "task-1", "build a todo app")
	assert.Equal(t, models.TaskStatusPending, created.Status)

	got, err := c.FetchTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "build a todo app", got.InputPrompt)
	assert.Nil(t, got.Title)

	_, err = c.FetchTask(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	renamed, err := c.UpdateTaskTitle(ctx, "task-1", "todo app")
	require.NoError(t, err)
	require.NotNil(t, renamed.Title)
	assert.Equal(t, "todo app", *renamed.Title)

	require.NoError(t, c.UpdateTaskStatus(ctx, "task-1", models.TaskStatusRunning, "", ""))
	require.NoError(t, c.UpdateTaskStatus(ctx, "task-1", models.TaskStatusSucceeded, "done", ""))

	got, err = c.FetchTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, got.Status)
	require.NotNil(t, got.ResultSummary)
	assert.Equal(t, "done", *got.ResultSummary)
	assert.Nil(t, got.ErrorMessage)

	assert.ErrorIs(t, c.UpdateTaskStatus(ctx, "ghost", models.TaskStatusFailed, "", "x"), ErrNotFound)
}

func TestListTasksPagination(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := &Task{ID: string(rune('a' + i)), InputPrompt: "p", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
		require.NoError(t, c.CreateTask(ctx, task))
	}
	require.NoError(t, c.UpdateTaskStatus(ctx, "a", models.TaskStatusFailed, "", "boom"))

	page, total, err := c.ListTasks(ctx, TaskFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].ID)

	page, total, err = c.ListTasks(ctx, TaskFilter{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	failed, total, err := c.ListTasks(ctx, TaskFilter{Status: models.TaskStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ID)
}

func TestEventLogAppendAndFetch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	createTask(t, c, "task-1", "p")

	kinds := []models.EventKind{
		models.EventKindLog,
		models.EventKindStageStart,
		models.EventKindMessage,
		models.EventKindStageComplete,
		models.EventKindResult,
	}
	for i, kind := range kinds {
		ev := models.Event{
			EventID:   int64(i + 1),
			TaskID:    "task-1",
			Timestamp: time.Now().UTC(),
			Kind:      kind,
			Payload:   models.LogPayload{Message: "m"},
		}
		if kind != models.EventKindLog && kind != models.EventKindResult {
			ev.StageName = "PM"
		}
		require.NoError(t, c.InsertModelEvent(ctx, ev))
	}

	// Duplicate insert is a no-op.
	require.NoError(t, c.InsertModelEvent(ctx, models.Event{
		EventID: 3, TaskID: "task-1", Kind: models.EventKindMessage, Payload: models.LogPayload{Message: "dup"},
	}))

	n, err := c.CountEvents(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	rows, err := c.FetchEvents(ctx, "task-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, int64(i+1), row.EventID)
	}
	assert.Equal(t, string(models.EventKindResult), rows[4].EventKind)

	tail, err := c.FetchEvents(ctx, "task-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].EventID)

	limited, err := c.FetchEvents(ctx, "task-1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	ev := rows[1].Event()
	assert.Equal(t, "PM", ev.StageName)
	assert.Equal(t, models.EventKindStageStart, ev.Kind)
	assert.Contains(t, string(models.NewEventFrame(ev).Marshal()), `"message":"m"`)
}

func TestAgentRunLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	createTask(t, c, "task-1", "p")

	id, err := c.StartAgentRun(ctx, "task-1", "PM")
	require.NoError(t, err)
	require.NotZero(t, id)
	require.NoError(t, c.MarkAgentRunRunning(ctx, id))
	require.NoError(t, c.FinishAgentRun(ctx, id, models.AgentRunCompleted, "PM completed successfully"))

	// Leave one run open and finalize it as teardown would.
	_, err = c.StartAgentRun(ctx, "task-1", "Architect")
	require.NoError(t, err)
	require.NoError(t, c.FinalizeOpenAgentRuns(ctx, "task-1", models.AgentRunCancelled))

	runs, err := c.ListAgentRuns(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.AgentRunCompleted, runs[0].Status)
	require.NotNil(t, runs[0].OutputSummary)
	assert.Equal(t, "PM completed successfully", *runs[0].OutputSummary)
	assert.Equal(t, models.AgentRunCancelled, runs[1].Status)
	assert.NotNil(t, runs[1].FinishedAt)
}

func TestArtifactVersioning(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	createTask(t, c, "task-1", "p")

	lang := "python"
	v1, err := c.SaveArtifact(ctx, &Artifact{TaskID: "task-1", FilePath: "app/main.py", Content: "v1", Language: &lang})
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := c.SaveArtifact(ctx, &Artifact{TaskID: "task-1", FilePath: "app/main.py", Content: "v2", Language: &lang})
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	_, err = c.SaveArtifact(ctx, &Artifact{TaskID: "task-1", FilePath: "README.md", Content: "readme"})
	require.NoError(t, err)

	latest, err := c.ListArtifacts(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "README.md", latest[0].FilePath)
	assert.Equal(t, "app/main.py", latest[1].FilePath)
	assert.Equal(t, 2, latest[1].Version)
	assert.Equal(t, "v2", latest[1].Content)

	old, err := c.FetchArtifact(ctx, "task-1", "app/main.py", 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", old.Content)

	newest, err := c.FetchArtifact(ctx, "task-1", "app/main.py", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, newest.Version)

	_, err = c.FetchArtifact(ctx, "task-1", "missing.go", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCascadeDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	createTask(t, c, "task-1", "p")

	require.NoError(t, c.InsertModelEvent(ctx, models.Event{EventID: 1, TaskID: "task-1", Kind: models.EventKindLog, Payload: models.LogPayload{Message: "Starting task"}}))
	_, err := c.StartAgentRun(ctx, "task-1", "PM")
	require.NoError(t, err)
	_, err = c.SaveArtifact(ctx, &Artifact{TaskID: "task-1", FilePath: "a.txt", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, c.DeleteTask(ctx, "task-1"))
	assert.ErrorIs(t, c.DeleteTask(ctx, "task-1"), ErrNotFound)

	n, err := c.CountEvents(ctx, "task-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	runs, err := c.ListAgentRuns(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, runs)

	artifacts, err := c.ListArtifacts(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestQueueWriteDrainsOnClose(t *testing.T) {
	client, err := NewClient(&Config{
		Driver:    "sqlite",
		DSN:       ":memory:",
		QueueSize: 64,
		Workers:   2,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, client.EnsureSchema(context.Background()))

	task := &Task{ID: "task-1", InputPrompt: "p"}
	require.NoError(t, client.CreateTask(context.Background(), task))

	var processed int32
	for i := 1; i <= 20; i++ {
		client.QueueWrite(WriteTypeEvent, NewEventRow(models.Event{
			EventID: int64(i), TaskID: "task-1", Kind: models.EventKindMessage,
			Payload: models.MessagePayload{Message: "m"},
		}), func(error) { atomic.AddInt32(&processed, 1) })
	}

	require.NoError(t, client.Close())
	assert.Equal(t, int32(20), atomic.LoadInt32(&processed), "Close must drain every queued write")
}

func TestQueueWriteCallback(t *testing.T) {
	c := newTestClient(t)
	createTask(t, c, "task-1", "p")

	done := make(chan error, 1)
	c.QueueWrite(WriteTypeEvent, NewEventRow(models.Event{
		EventID: 1, TaskID: "task-1", Kind: models.EventKindLog, Payload: models.LogPayload{Message: "Starting task"},
	}), func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued write was never processed")
	}

	n, err := c.CountEvents(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueueWriteSyncFallbackWhenFull(t *testing.T) {
	c := newTestClient(t)
	createTask(t, c, "task-1", "p")

	// Stop the workers so the queue cannot drain, then overfill it.
	close(c.stopCh)
	c.workerWg.Wait()
	c.stopCh = make(chan struct{})

	for i := 1; i <= cap(c.writeQueue); i++ {
		c.writeQueue <- WriteRequest{Type: WriteTypeEvent, Data: NewEventRow(models.Event{
			EventID: int64(i), TaskID: "task-1", Kind: models.EventKindMessage, Payload: models.MessagePayload{Message: "m"},
		})}
	}

	// Full queue: this write must run synchronously instead of blocking.
	doneBy := time.Now().Add(2 * time.Second)
	c.QueueWrite(WriteTypeEvent, NewEventRow(models.Event{
		EventID: 999, TaskID: "task-1", Kind: models.EventKindMessage, Payload: models.MessagePayload{Message: "overflow"},
	}), nil)
	assert.True(t, time.Now().Before(doneBy), "sync fallback should not block")

	rows, err := c.FetchEvents(context.Background(), "task-1", 998, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(999), rows[0].EventID)

	c.startWorkers()
}

func TestInsertEventFailureSurfacesError(t *testing.T) {
	c := newTestClient(t)
	// No task row: the foreign key rejects the event.
	err := c.InsertModelEvent(context.Background(), models.Event{
		EventID: 1, TaskID: "ghost", Kind: models.EventKindLog, Payload: models.LogPayload{Message: "m"},
	})
	require.Error(t, err)

	done := make(chan error, 1)
	c.QueueWrite(WriteTypeEvent, NewEventRow(models.Event{
		EventID: 2, TaskID: "ghost", Kind: models.EventKindLog, Payload: models.LogPayload{Message: "m"},
	}), func(err error) { done <- err })

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
}
