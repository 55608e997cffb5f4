package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/agents"
	"github.com/atelier-ai/atelier/internal/db"
	"github.com/atelier-ai/atelier/internal/models"
	"github.com/atelier-ai/atelier/internal/streaming"
)

func newTestRegistry(t *testing.T, cfg *Config) (*Registry, *db.Client, *streaming.Bus) {
	t.Helper()
	store, err := db.NewClient(&db.Config{
		Driver:    "sqlite",
		DSN:       ":memory:",
		QueueSize: 128,
		Workers:   2,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(func() { store.Close() })

	if cfg == nil {
		cfg = &Config{
			MaxTaskDuration:  5 * time.Second,
			SubscriberBuffer: 64,
			TestMode:         true,
			StepDelay:        time.Millisecond,
		}
	}
	bus := streaming.NewBus(256)
	return NewRegistry(cfg, zap.NewNop(), store, bus, nil), store, bus
}

func seedTask(t *testing.T, store *db.Client, id string) {
	t.Helper()
	require.NoError(t, store.CreateTask(context.Background(), &db.Task{ID: id, InputPrompt: "build something"}))
}

func boolPtr(b bool) *bool { return &b }

// blockingStage parks until cancelled so tests can observe a live worker.
type blockingStage struct{}

func (blockingStage) Name() string { return "PM" }

func (blockingStage) Run(ctx context.Context, input string, em agents.Emitter) (*agents.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStartRunsTaskToCompletion(t *testing.T) {
	r, store, _ := newTestRegistry(t, nil)
	seedTask(t, store, "task-1")

	sub := r.Subscribe("task-1")
	defer r.Unsubscribe("task-1", sub)

	require.NoError(t, r.Start("task-1", "build something", nil))
	assert.True(t, r.IsRunning("task-1"))
	assert.Equal(t, 1, r.ActiveCount())

	assert.ErrorIs(t, r.Start("task-1", "build something", nil), ErrAlreadyRunning)

	var last models.Event
	deadline := time.After(5 * time.Second)
	for !last.Terminal() {
		select {
		case last = <-sub:
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
	assert.Equal(t, models.EventKindResult, last.Kind)

	require.Eventually(t, func() bool {
		return !r.IsRunning("task-1") && r.ActiveCount() == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, live := r.StateSnapshot("task-1")
	assert.False(t, live, "exited workers have no live state")

	// The tail outlives the worker for late replay.
	assert.True(t, r.HasTail("task-1"))
	replay := r.EventsSince("task-1", 0)
	require.NotEmpty(t, replay)
	assert.Equal(t, int64(1), replay[0].EventID)
	assert.Equal(t, last.EventID, replay[len(replay)-1].EventID)

	partial := r.EventsSince("task-1", last.EventID-1)
	require.Len(t, partial, 1)
	assert.Equal(t, last.EventID, partial[0].EventID)
}

func TestStartWithoutStageProvider(t *testing.T) {
	r, store, _ := newTestRegistry(t, &Config{
		MaxTaskDuration:  5 * time.Second,
		SubscriberBuffer: 64,
		TestMode:         false,
	})
	seedTask(t, store, "task-2")

	err := r.Start("task-2", "build something", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stage provider")
	assert.False(t, r.IsRunning("task-2"))
}

func TestStartOptionsOverrideTestMode(t *testing.T) {
	r, store, _ := newTestRegistry(t, &Config{
		MaxTaskDuration:  5 * time.Second,
		SubscriberBuffer: 64,
		TestMode:         false,
		StepDelay:        time.Millisecond,
	})
	seedTask(t, store, "task-3")

	// Registry-wide real mode with no factory: the per-request override
	// still gets the simulator.
	require.NoError(t, r.Start("task-3", "build something", &StartOptions{TestMode: boolPtr(true)}))
	require.Eventually(t, func() bool { return !r.IsRunning("task-3") }, 5*time.Second, 10*time.Millisecond)

	events := r.EventsSince("task-3", 0)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventKindResult, events[len(events)-1].Kind)
}

func TestStageFactoryUsedForRealRuns(t *testing.T) {
	r, store, _ := newTestRegistry(t, &Config{
		MaxTaskDuration:  5 * time.Second,
		SubscriberBuffer: 64,
		TestMode:         false,
		StepDelay:        time.Millisecond,
	})
	seedTask(t, store, "task-4")

	var factoryCalled bool
	r.SetStageFactory(func(taskID, requirement string) []agents.Stage {
		factoryCalled = true
		return agents.SimulatedPipeline(agents.SimulatorOptions{StepDelay: time.Millisecond})
	})

	require.NoError(t, r.Start("task-4", "build something", nil))
	assert.True(t, factoryCalled)
	require.Eventually(t, func() bool { return !r.IsRunning("task-4") }, 5*time.Second, 10*time.Millisecond)
}

func TestStopLiveWorker(t *testing.T) {
	r, store, _ := newTestRegistry(t, &Config{
		MaxTaskDuration:  time.Minute,
		SubscriberBuffer: 64,
		TestMode:         false,
	})
	seedTask(t, store, "task-5")
	r.SetStageFactory(func(taskID, requirement string) []agents.Stage {
		return []agents.Stage{blockingStage{}}
	})

	require.NoError(t, r.Start("task-5", "build something", nil))
	require.True(t, r.IsRunning("task-5"))

	state, live := r.StateSnapshot("task-5")
	require.True(t, live)
	assert.Equal(t, "task-5", state.TaskID)

	assert.True(t, r.Stop("task-5"))
	require.Eventually(t, func() bool { return !r.IsRunning("task-5") }, 5*time.Second, 10*time.Millisecond)

	assert.False(t, r.Stop("task-5"), "stop after exit is a no-op")
	assert.False(t, r.Stop("never-existed"))
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	r, store, _ := newTestRegistry(t, &Config{
		MaxTaskDuration:  time.Minute,
		SubscriberBuffer: 64,
		TestMode:         false,
	})
	r.SetStageFactory(func(taskID, requirement string) []agents.Stage {
		return []agents.Stage{blockingStage{}}
	})

	for _, id := range []string{"task-a", "task-b", "task-c"} {
		seedTask(t, store, id)
		require.NoError(t, r.Start(id, "build something", nil))
	}
	require.Equal(t, 3, r.ActiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, 0, r.ActiveCount())
}
