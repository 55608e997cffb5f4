// Package agents defines the stage contract for the fixed PM -> Architect ->
// Engineer pipeline, plus the deterministic simulator used in test mode.
package agents

import (
	"context"

	"github.com/atelier-ai/atelier/internal/models"
)

// Stage names in pipeline order.
const (
	StagePM        = "PM"
	StageArchitect = "Architect"
	StageEngineer  = "Engineer"
)

// Emitter is a stage's line into the task event pathway. The caller stamps
// emitted payloads with the stage name and the next event id.
type Emitter interface {
	Emit(kind models.EventKind, payload models.Payload)
}

// Result is what a stage hands back to the pipeline.
type Result struct {
	Artifact        string // input for the next stage
	ExecutionOutput string // output of running the primary artifact, if any
	Summary         string // one-line completion summary
}

// Stage is one step of the pipeline. Run must return promptly once ctx is
// done; every sleep and backend call is a cancellation point.
type Stage interface {
	Name() string
	Run(ctx context.Context, input string, em Emitter) (*Result, error)
}
