// Package registry owns the live worker set: at most one worker per task,
// created on Start and removed when the worker's goroutine exits. Everything
// the HTTP layer knows about running tasks goes through here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/agents"
	"github.com/atelier-ai/atelier/internal/models"
	"github.com/atelier-ai/atelier/internal/streaming"
	"github.com/atelier-ai/atelier/internal/worker"
)

// ErrAlreadyRunning is returned by Start when the task has a live worker.
var ErrAlreadyRunning = errors.New("task already running")

// Registry tracks running workers and fronts the subscription bus.
type Registry struct {
	config *Config
	logger *zap.Logger
	store  worker.Store
	bus    *streaming.Bus
	mirror worker.EventSink

	stageFactory StageFactory

	mu      sync.Mutex
	workers map[string]*worker.Worker
}

// NewRegistry creates a registry. mirror may be nil when the redis event
// mirror is disabled.
func NewRegistry(
	config *Config,
	logger *zap.Logger,
	store worker.Store,
	bus *streaming.Bus,
	mirror worker.EventSink,
) *Registry {
	return &Registry{
		config:  config,
		logger:  logger,
		store:   store,
		bus:     bus,
		mirror:  mirror,
		workers: make(map[string]*worker.Worker),
	}
}

// SetStageFactory installs the pipeline builder used for non-simulated runs.
func (r *Registry) SetStageFactory(f StageFactory) {
	r.stageFactory = f
}

// Start launches a worker for the task. It fails with ErrAlreadyRunning when
// a worker is live, and with a configuration error when no pipeline source is
// available for the requested mode.
func (r *Registry) Start(taskID, requirement string, opts *StartOptions) error {
	stages, err := r.buildStages(taskID, requirement, opts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[taskID]; ok {
		return ErrAlreadyRunning
	}

	w := worker.New(worker.Options{
		TaskID:      taskID,
		Requirement: requirement,
		Stages:      stages,
		Store:       r.store,
		Bus:         r.bus,
		Mirror:      r.mirror,
		Logger:      r.logger,
		MaxDuration: r.config.MaxTaskDuration,
		OnExit:      func() { r.remove(taskID) },
	})
	r.workers[taskID] = w

	r.logger.Info("Starting worker",
		zap.String("task_id", taskID),
		zap.Int("stages", len(stages)))
	go w.Run()
	return nil
}

func (r *Registry) buildStages(taskID, requirement string, opts *StartOptions) ([]agents.Stage, error) {
	testMode := r.config.TestMode
	if opts != nil && opts.TestMode != nil {
		testMode = *opts.TestMode
	}

	if testMode {
		return agents.SimulatedPipeline(agents.SimulatorOptions{StepDelay: r.config.StepDelay}), nil
	}
	if r.stageFactory == nil {
		return nil, fmt.Errorf("no stage provider configured for task %s", taskID)
	}
	return r.stageFactory(taskID, requirement), nil
}

func (r *Registry) remove(taskID string) {
	r.mu.Lock()
	delete(r.workers, taskID)
	r.mu.Unlock()
	// The tail stays readable after exit so late subscribers can replay.
	r.logger.Debug("Worker exited", zap.String("task_id", taskID))
}

// Stop requests cancellation of the task's worker. It reports whether a
// signal was delivered; absent and already-stopping workers return false.
func (r *Registry) Stop(taskID string) bool {
	r.mu.Lock()
	w, ok := r.workers[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return w.Stop()
}

// IsRunning reports whether the task has a live worker.
func (r *Registry) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[taskID]
	return ok
}

// ActiveCount returns the number of live workers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// StateSnapshot returns the live state of a running task. The second return
// is false when no worker is live; callers fall back to the durable record.
func (r *Registry) StateSnapshot(taskID string) (models.TaskState, bool) {
	r.mu.Lock()
	w, ok := r.workers[taskID]
	r.mu.Unlock()
	if !ok {
		return models.TaskState{}, false
	}
	return w.StateSnapshot(), true
}

// Subscribe attaches a stream session to the task's event feed.
func (r *Registry) Subscribe(taskID string) chan models.Event {
	return r.bus.Subscribe(taskID, r.config.SubscriberBuffer)
}

// Unsubscribe detaches a stream session.
func (r *Registry) Unsubscribe(taskID string, ch chan models.Event) {
	r.bus.Unsubscribe(taskID, ch)
}

// EventsSince replays buffered events with ids greater than since from the
// in-memory tail.
func (r *Registry) EventsSince(taskID string, since int64) []models.Event {
	return r.bus.ReplaySince(taskID, since)
}

// HasTail reports whether the in-memory tail still holds the task's events.
func (r *Registry) HasTail(taskID string) bool {
	return r.bus.HasTail(taskID)
}

// DropTail discards the task's buffered events, used when the task itself is
// deleted.
func (r *Registry) DropTail(taskID string) {
	r.bus.Drop(taskID)
}

// Shutdown stops every live worker and waits for them to finish or for the
// context to expire, whichever comes first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	workers := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted with %d workers live: %w", r.ActiveCount(), ctx.Err())
		}
	}
	r.logger.Info("All workers stopped", zap.Int("count", len(workers)))
	return nil
}
