package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelier-ai/atelier/internal/models"
	"github.com/atelier-ai/atelier/internal/util"
)

// SimulatorOptions tune the scripted pipeline.
type SimulatorOptions struct {
	StepDelay time.Duration // pause between scripted steps
}

// SimulatedPipeline returns the deterministic three-stage pipeline used in
// test mode. Stage output depends only on the requirement text, so repeated
// runs of the same prompt produce identical artifacts.
func SimulatedPipeline(opts SimulatorOptions) []Stage {
	if opts.StepDelay <= 0 {
		opts.StepDelay = 200 * time.Millisecond
	}
	return []Stage{
		simPM{delay: opts.StepDelay},
		simArchitect{delay: opts.StepDelay},
		simEngineer{delay: opts.StepDelay},
	}
}

// pause sleeps for d unless ctx is cancelled first. Every scripted step goes
// through here so stop and deadline signals interrupt the pipeline promptly.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type simPM struct {
	delay time.Duration
}

func (simPM) Name() string { return StagePM }

func (s simPM) Run(ctx context.Context, input string, em Emitter) (*Result, error) {
	if err := pause(ctx, s.delay); err != nil {
		return nil, err
	}
	em.Emit(models.EventKindMessage, models.MessagePayload{Message: "Creating Product Requirements Document..."})

	if err := pause(ctx, s.delay); err != nil {
		return nil, err
	}
	artifact := fmt.Sprintf(`# Product Requirements

## Goal

%s

## User Stories

- As a user, I can accomplish the stated goal end to end.
- As an operator, I can watch progress while the work runs.

## Acceptance Criteria

- The delivered code runs without manual setup beyond the README.
`, strings.TrimSpace(input))
	em.Emit(models.EventKindMessage, models.MessagePayload{Message: "Product Requirements Document ready"})

	return &Result{Artifact: artifact, Summary: "Drafted product requirements"}, nil
}

type simArchitect struct {
	delay time.Duration
}

func (simArchitect) Name() string { return StageArchitect }

func (s simArchitect) Run(ctx context.Context, input string, em Emitter) (*Result, error) {
	if err := pause(ctx, s.delay); err != nil {
		return nil, err
	}
	em.Emit(models.EventKindMessage, models.MessagePayload{Message: "Designing system architecture..."})

	if err := pause(ctx, s.delay); err != nil {
		return nil, err
	}
	artifact := fmt.Sprintf(`# System Design

## Requirements Digest

%s

## Components

- cli: entry point, argument parsing
- core: the behavior described in the requirements
- storage: a flat JSON file keeps the scope small

## Data Flow

cli -> core -> storage, errors surface back to the cli unchanged.
`, util.TruncateString(firstLine(input), 120, true))
	em.Emit(models.EventKindMessage, models.MessagePayload{Message: "System design complete"})

	return &Result{Artifact: artifact, Summary: "Produced component and data-flow design"}, nil
}

type simEngineer struct {
	delay time.Duration
}

func (simEngineer) Name() string { return StageEngineer }

func (s simEngineer) Run(ctx context.Context, input string, em Emitter) (*Result, error) {
	if err := pause(ctx, s.delay); err != nil {
		return nil, err
	}
	em.Emit(models.EventKindMessage, models.MessagePayload{Message: "Writing code implementation..."})

	mainPath := "app/main.py"
	mainContent := fmt.Sprintf(`"""Generated implementation."""


def main() -> None:
    print(%q)


if __name__ == "__main__":
    main()
`, "implemented: "+util.TruncateString(firstLine(input), 80, true))

	readmePath := "README.md"
	readmeContent := fmt.Sprintf(`# Generated Project

%s

## Run

    python app/main.py
`, util.TruncateString(firstLine(input), 120, true))

	files := []struct {
		path    string
		content string
	}{
		{mainPath, mainContent},
		{readmePath, readmeContent},
	}
	for _, f := range files {
		if err := pause(ctx, s.delay); err != nil {
			return nil, err
		}
		em.Emit(models.EventKindMessage, models.MessagePayload{
			Message:  "Generated " + f.path,
			FilePath: f.path,
			Content:  f.content,
			Kind:     "code",
			Language: DetectLanguage(f.path),
		})
	}

	if err := pause(ctx, s.delay); err != nil {
		return nil, err
	}
	execOutput := "implemented: " + util.TruncateString(firstLine(input), 80, true) + "\n"
	em.Emit(models.EventKindMessage, models.MessagePayload{
		Message:         "Executed " + mainPath,
		ExecutionResult: execOutput,
	})

	return &Result{
		Artifact:        mainContent,
		ExecutionOutput: execOutput,
		Summary:         fmt.Sprintf("Implemented %d files and ran the entry point", len(files)),
	}, nil
}

// firstLine reduces multi-line artifacts from earlier stages to something a
// log line or code comment can carry.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimLeft(s, "# "))
}
