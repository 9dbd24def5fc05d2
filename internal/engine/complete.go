package engine

import (
	"context"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// CompleteResult reports whether the pipeline advanced and whether the run
// reached completed.
type CompleteResult struct {
	Advanced     bool `json:"advanced"`
	RunCompleted bool `json:"run_completed"`
}

// Complete records a worker's reported output for a step and decides the next
// state transition: advance the pipeline, continue the loop, or hand control
// to a verification step.
//
// A missing step is fatal. A terminal run is not: a worker that finishes late
// on an already-failed run must never resurrect it, so the call silently
// reports "not advanced".
//
// Context merging from plain key/value lines applies before story-block
// validation; a malformed STORIES_JSON therefore surfaces as an error with
// the merge already persisted (accepted partial effect).
func (e *Engine) Complete(ctx context.Context, stepID, output string) (*CompleteResult, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(logging.WithStepID(ctx, step.ID), step.RunID)

	run, err := e.store.GetRun(ctx, step.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusRunning {
		return &CompleteResult{}, nil
	}

	kv, storiesJSON := ParseWorkerOutput(output)
	if err := e.mergeContext(ctx, run, kv); err != nil {
		return nil, err
	}
	if storiesJSON != "" {
		if err := e.createStories(ctx, run, storiesJSON); err != nil {
			return nil, err
		}
	}

	// Loop step with an item in progress: resolve the story, not the step.
	if step.Type == schema.StepTypeLoop && step.CurrentStoryID != "" {
		if err := e.store.UpdateStory(ctx, step.CurrentStoryID, store.StoryUpdate{
			Status: storyStatusPtr(schema.StoryStatusDone),
			Output: &output,
		}); err != nil {
			return nil, err
		}

		if step.Loop != nil && step.Loop.VerifyEach && step.Loop.VerifyStep != "" {
			// Hand control to the verification step; the loop step stays
			// running until the verdict comes back.
			verify, err := e.store.FindStepByName(ctx, run.ID, step.Loop.VerifyStep)
			if err != nil {
				return nil, err
			}
			if err := e.store.UpdateStep(ctx, verify.ID, store.StepUpdate{
				Status: statusPtr(schema.StepStatusPending),
			}); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{ClearStory: true}); err != nil {
				return nil, err
			}
			logging.LogWith(ctx, e.logger).Info("story awaiting verification")
			return &CompleteResult{}, nil
		}

		if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{ClearStory: true}); err != nil {
			return nil, err
		}
		return e.continueLoop(ctx, run, step)
	}

	// Verification step paired to an active loop step.
	loopStep, err := e.activeLoopFor(ctx, run.ID, step)
	if err != nil {
		return nil, err
	}
	if loopStep != nil {
		return e.completeVerification(ctx, run, loopStep, step, output)
	}

	// Ordinary single step.
	if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status: statusPtr(schema.StepStatusDone),
		Output: &output,
	}); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("step completed")

	advanced, completed, err := e.advance(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &CompleteResult{Advanced: advanced, RunCompleted: completed}, nil
}
