package registry

import (
	"time"

	"github.com/atelier-ai/atelier/internal/agents"
)

// StageFactory builds the pipeline for a real (non-simulated) run. The
// registry calls it once per Start.
type StageFactory func(taskID, requirement string) []agents.Stage

// Config holds the knobs the registry passes down into each worker.
type Config struct {
	// MaxTaskDuration caps a single run; the worker fails the task with a
	// deadline error when exceeded.
	MaxTaskDuration time.Duration
	// SubscriberBuffer sizes the channel handed to each stream session.
	SubscriberBuffer int
	// TestMode runs the built-in simulated pipeline instead of the
	// configured stage factory.
	TestMode bool
	// StepDelay paces the simulated pipeline's internal steps.
	StepDelay time.Duration
}

// StartOptions carries per-request overrides for Start.
type StartOptions struct {
	// TestMode overrides the registry-wide setting when non-nil.
	TestMode *bool
}
