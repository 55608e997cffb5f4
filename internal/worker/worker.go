// Package worker runs one task to completion. A worker owns the task's
// in-memory state and event counter, drives the stage pipeline on its own
// goroutine, and converts every exit path into exactly one terminal event
// plus a final durable status.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/agents"
	"github.com/atelier-ai/atelier/internal/db"
	"github.com/atelier-ai/atelier/internal/metrics"
	"github.com/atelier-ai/atelier/internal/models"
	"github.com/atelier-ai/atelier/internal/ratecontrol"
	"github.com/atelier-ai/atelier/internal/tracing"
	"github.com/atelier-ai/atelier/internal/util"
)

// Store is the slice of the durable store a worker writes through. Event,
// artifact, and run-finish writes ride the async queue; status writes and
// run starts are synchronous.
type Store interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error))
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus, resultSummary, errorMessage string) error
	StartAgentRun(ctx context.Context, taskID, agentName string) (int64, error)
	MarkAgentRunRunning(ctx context.Context, id int64) error
	FinalizeOpenAgentRuns(ctx context.Context, taskID string, status models.AgentRunStatus) error
}

// EventSink receives every emitted event. The subscription bus is the
// primary sink; the redis mirror is an optional second.
type EventSink interface {
	Publish(taskID string, evt models.Event)
}

// Options assemble a worker. TaskID, Requirement, Stages, Store, and Bus are
// required; the rest default.
type Options struct {
	TaskID      string
	Requirement string
	Stages      []agents.Stage
	Store       Store
	Bus         EventSink
	Mirror      EventSink // nil when the redis mirror is off
	Logger      *zap.Logger
	MaxDuration time.Duration
	// Pace gates each stage start; nil uses the package pacing config.
	Pace func(ctx context.Context, stage string) error
	// OnExit runs last in teardown, after the task row and agent runs are
	// final. The registry uses it to drop its handle.
	OnExit func()
}

// Worker drives a single task.
type Worker struct {
	taskID      string
	requirement string
	stages      []agents.Stage
	store       Store
	bus         EventSink
	mirror      EventSink
	logger      *zap.Logger
	maxDuration time.Duration
	pace        func(ctx context.Context, stage string) error
	onExit      func()

	// mu guards the event counter and state; emission order is defined by
	// acquisition order here.
	mu      sync.Mutex
	eventID int64
	state   models.TaskState
	stopped bool

	cancel    context.CancelFunc
	baseCtx   context.Context
	done      chan struct{}
	startedAt time.Time

	// pipeline bookkeeping, touched only by the worker goroutine
	stageSummaries []stageOutcome
	files          []string
	execOutput     string
}

type stageOutcome struct {
	Name    string
	Summary string
}

// stageError tags a failure with the stage that raised it. Context errors
// stay reachable through Unwrap so cancellation classification works.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return "stage " + e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// New builds a worker in PENDING state. Run starts the pipeline.
func New(opts Options) *Worker {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 600 * time.Second
	}
	if opts.Pace == nil {
		opts.Pace = ratecontrol.Wait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Worker{
		taskID:      opts.TaskID,
		requirement: opts.Requirement,
		stages:      opts.Stages,
		store:       opts.Store,
		bus:         opts.Bus,
		mirror:      opts.Mirror,
		logger:      opts.Logger.With(zap.String("task_id", opts.TaskID)),
		maxDuration: opts.MaxDuration,
		pace:        opts.Pace,
		onExit:      opts.OnExit,
		baseCtx:     baseCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state: models.TaskState{
			TaskID: opts.TaskID,
			Status: models.TaskStatusPending,
		},
	}
}

// Run executes the pipeline and blocks until the task is terminal. The
// registry calls it on a dedicated goroutine; it never panics outward and
// never returns before teardown has finished.
func (w *Worker) Run() {
	defer close(w.done)
	defer w.teardown()

	ctx, cancel := context.WithTimeout(w.baseCtx, w.maxDuration)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "task.run")
	defer span.End()

	w.startedAt = time.Now()
	metrics.TasksStarted.Inc()
	metrics.ActiveTasks.Inc()

	w.beginRunning()
	w.emit("", models.EventKindLog, models.LogPayload{
		Message: "Starting task for requirement: " + util.TruncateString(w.requirement, 100, true),
	})
	w.emit("", models.EventKindLog, models.LogPayload{
		Message: fmt.Sprintf("Initialized %d stages: %s", len(w.stages), strings.Join(stageNames(w.stages), ", ")),
	})

	err := w.runPipeline(ctx)

	switch {
	case err == nil:
		w.succeed()
	case errors.Is(err, context.Canceled):
		w.cancelledExit()
	case errors.Is(err, context.DeadlineExceeded):
		w.deadlineExit()
	default:
		w.failExit(err)
	}
}

// Stop requests cancellation at the worker's next yield point. It reports
// whether this call delivered the signal; repeat calls and calls after a
// terminal status return false.
func (w *Worker) Stop() bool {
	w.mu.Lock()
	if w.stopped || w.state.Status.Terminal() {
		w.mu.Unlock()
		return false
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	return true
}

// Done closes once teardown has completed.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// StateSnapshot returns a copy of the live task state.
func (w *Worker) StateSnapshot() models.TaskState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func stageNames(stages []agents.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	return names
}

// runPipeline walks the stages in order, threading each artifact into the
// next stage. The STAGE_START event is emitted before the first cancellation
// check inside a stage, so any interrupted run leaves exactly one unmatched
// STAGE_START.
func (w *Worker) runPipeline(ctx context.Context) error {
	input := w.requirement
	total := len(w.stages)

	for i, stage := range w.stages {
		name := stage.Name()
		stageStarted := time.Now()

		w.emit(name, models.EventKindStageStart, models.StageStartPayload{Message: name + " started working"})
		w.setCurrentStage(name)

		runID := w.beginAgentRun(ctx, name)

		if err := w.pace(ctx, name); err != nil {
			return err
		}

		res, err := w.runStage(ctx, stage, input)
		if err != nil {
			return &stageError{stage: name, err: err}
		}

		w.emit(name, models.EventKindStageComplete, models.StageCompletePayload{
			Message: name + " completed",
			Summary: res.Summary,
		})
		if runID != 0 {
			w.store.QueueWrite(db.WriteTypeAgentRunFinish, &db.AgentRunFinish{
				ID:            runID,
				Status:        models.AgentRunCompleted,
				OutputSummary: name + " completed successfully",
			}, nil)
		}
		metrics.RecordStageDuration(name, time.Since(stageStarted).Seconds())

		w.stageSummaries = append(w.stageSummaries, stageOutcome{Name: name, Summary: res.Summary})
		if res.ExecutionOutput != "" {
			w.execOutput = res.ExecutionOutput
		}
		// Progress reaches 1.0 only together with SUCCEEDED, so the final
		// stage completion leaves it one notch short.
		if i < total-1 {
			w.setProgress(float64(i+1) / float64(total))
		}
		input = res.Artifact
	}
	return nil
}

// runStage invokes one stage with panic containment; a panicking stage fails
// its task instead of the process.
func (w *Worker) runStage(ctx context.Context, stage agents.Stage, input string) (res *agents.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ctx, span := tracing.StartSpan(ctx, "stage."+stage.Name())
	defer span.End()

	res, err = stage.Run(ctx, input, stageEmitter{w: w, stage: stage.Name()})
	if err == nil && res == nil {
		err = errors.New("stage returned no result")
	}
	return res, err
}

func (w *Worker) beginAgentRun(ctx context.Context, stage string) int64 {
	id, err := w.store.StartAgentRun(ctx, w.taskID, stage)
	if err != nil {
		w.logger.Error("Failed to record agent run", zap.String("stage", stage), zap.Error(err))
		return 0
	}
	if err := w.store.MarkAgentRunRunning(ctx, id); err != nil {
		w.logger.Error("Failed to mark agent run running", zap.Int64("run_id", id), zap.Error(err))
	}
	return id
}

// stageEmitter stamps stage output with the stage name and siphons file
// artifacts into the store on the way through.
type stageEmitter struct {
	w     *Worker
	stage string
}

func (e stageEmitter) Emit(kind models.EventKind, payload models.Payload) {
	if mp, ok := payload.(models.MessagePayload); ok && mp.FilePath != "" && mp.Content != "" {
		e.w.saveArtifact(mp)
	}
	e.w.emit(e.stage, kind, payload)
}

func (w *Worker) saveArtifact(mp models.MessagePayload) {
	a := &db.Artifact{
		TaskID:   w.taskID,
		FilePath: mp.FilePath,
		Content:  mp.Content,
	}
	if mp.Language != "" {
		lang := mp.Language
		a.Language = &lang
	}
	w.store.QueueWrite(db.WriteTypeArtifact, a, nil)
	w.files = append(w.files, mp.FilePath)
}

// emit assigns the next event id under the emission lock, then walks the
// pathway: durable write queue, bus fan-out, optional mirror. A failed
// durable write is logged by the store and counted here, never fatal.
func (w *Worker) emit(stage string, kind models.EventKind, payload models.Payload) {
	w.mu.Lock()
	w.eventID++
	evt := models.Event{
		EventID:   w.eventID,
		TaskID:    w.taskID,
		Timestamp: time.Now().UTC(),
		StageName: stage,
		Kind:      kind,
		Payload:   payload,
	}
	if mp, ok := payload.(models.MessagePayload); ok && mp.Message != "" {
		w.state.LastMessage = mp.Message
	}
	w.mu.Unlock()

	w.store.QueueWrite(db.WriteTypeEvent, db.NewEventRow(evt), func(err error) {
		if err != nil {
			metrics.EventPersistFailures.Inc()
		}
	})

	w.bus.Publish(w.taskID, evt)
	if w.mirror != nil {
		w.mirror.Publish(w.taskID, evt)
	}

	metrics.RecordEvent(string(kind), stage)
}

func (w *Worker) beginRunning() {
	now := time.Now().UTC()
	w.mu.Lock()
	w.state.Status = models.TaskStatusRunning
	w.state.Progress = 0
	w.state.StartedAt = &now
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.UpdateTaskStatus(ctx, w.taskID, models.TaskStatusRunning, "", ""); err != nil {
		w.logger.Error("Failed to mark task running", zap.Error(err))
	}
}

func (w *Worker) setCurrentStage(name string) {
	w.mu.Lock()
	w.state.CurrentStage = name
	w.mu.Unlock()
}

func (w *Worker) setProgress(p float64) {
	w.mu.Lock()
	if p > w.state.Progress {
		w.state.Progress = p
	}
	w.mu.Unlock()
}

// succeed emits RESULT first and flips the status after, so no snapshot can
// show SUCCEEDED before the RESULT event exists.
func (w *Worker) succeed() {
	result := w.composeResult()
	w.emit("", models.EventKindResult, models.ResultPayload{Result: result})

	now := time.Now().UTC()
	w.mu.Lock()
	w.state.Status = models.TaskStatusSucceeded
	w.state.Progress = 1.0
	w.state.CompletedAt = &now
	w.state.Result = result
	w.mu.Unlock()

	summary := "{}"
	if b, err := json.Marshal(result); err == nil {
		summary = string(b)
	}
	w.writeFinalStatus(models.TaskStatusSucceeded, summary, "")
	metrics.RecordTaskCompleted(string(models.TaskStatusSucceeded), time.Since(w.startedAt).Seconds())
	w.logger.Info("Task succeeded", zap.Duration("elapsed", time.Since(w.startedAt)))
}

func (w *Worker) cancelledExit() {
	w.emit("", models.EventKindError, models.ErrorPayload{Message: "cancelled"})
	w.finishTerminal(models.TaskStatusCancelled, "cancelled", false)
	w.logger.Info("Task cancelled", zap.Duration("elapsed", time.Since(w.startedAt)))
}

func (w *Worker) deadlineExit() {
	msg := fmt.Sprintf("Task exceeded maximum duration of %d seconds", int(w.maxDuration.Seconds()))
	w.emit("", models.EventKindError, models.ErrorPayload{Message: msg})
	w.finishTerminal(models.TaskStatusFailed, msg, false)
	w.logger.Warn("Task deadline exceeded", zap.Duration("max_duration", w.maxDuration))
}

func (w *Worker) failExit(err error) {
	message := "Task failed"
	detail := err.Error()
	var se *stageError
	if errors.As(err, &se) {
		message = "Stage " + se.stage + " failed"
		detail = se.err.Error()
	}

	w.emit("", models.EventKindError, models.ErrorPayload{Message: message, Detail: detail})
	w.finishTerminal(models.TaskStatusFailed, message+": "+detail, true)
	w.logger.Error("Task failed", zap.Error(err))
}

// finishTerminal flips the in-memory state after the terminal event is out,
// freezing progress where the pipeline left it.
func (w *Worker) finishTerminal(status models.TaskStatus, errorMessage string, clearStage bool) {
	now := time.Now().UTC()
	w.mu.Lock()
	w.state.Status = status
	w.state.CompletedAt = &now
	if clearStage {
		w.state.CurrentStage = ""
	}
	w.mu.Unlock()

	w.writeFinalStatus(status, "", errorMessage)
	metrics.RecordTaskCompleted(string(status), time.Since(w.startedAt).Seconds())
}

func (w *Worker) writeFinalStatus(status models.TaskStatus, resultSummary, errorMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.UpdateTaskStatus(ctx, w.taskID, status, resultSummary, errorMessage); err != nil {
		w.logger.Error("Failed to write final task status", zap.Error(err))
	}
}

func (w *Worker) composeResult() map[string]interface{} {
	stages := make([]map[string]interface{}, 0, len(w.stageSummaries))
	for _, s := range w.stageSummaries {
		stages = append(stages, map[string]interface{}{
			"name":    s.Name,
			"summary": s.Summary,
		})
	}

	result := map[string]interface{}{
		"requirement": w.requirement,
		"summary":     fmt.Sprintf("Completed %d stages", len(w.stageSummaries)),
		"stages":      stages,
	}
	if len(w.files) > 0 {
		result["files"] = append([]string(nil), w.files...)
	}
	if w.execOutput != "" {
		result["execution_output"] = w.execOutput
	}
	return result
}

// teardown closes every open agent run and hands the registry slot back. It
// runs on every exit path, after the terminal event and final status write.
func (w *Worker) teardown() {
	status := models.AgentRunCompleted
	switch w.StateSnapshot().Status {
	case models.TaskStatusCancelled:
		status = models.AgentRunCancelled
	case models.TaskStatusFailed:
		status = models.AgentRunFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.FinalizeOpenAgentRuns(ctx, w.taskID, status); err != nil {
		w.logger.Error("Failed to finalize agent runs", zap.Error(err))
	}

	metrics.ActiveTasks.Dec()
	if w.onExit != nil {
		w.onExit()
	}
}
