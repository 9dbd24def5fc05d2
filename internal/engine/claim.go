package engine

import (
	"context"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// ClaimResult is the outcome of one Claim poll. Found=false covers every
// "no work" case: nothing pending, a lost race, or a terminal run.
type ClaimResult struct {
	Found  bool   `json:"found"`
	StepID string `json:"step_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	Input  string `json:"input,omitempty"`
}

var noWork = &ClaimResult{}

// Claim atomically hands one unit of pending work to the worker identity.
// Stale in-progress work is reaped first so it is recycled before being
// reported unavailable. Losing the claim race is reported as no work,
// never as an error.
func (e *Engine) Claim(ctx context.Context, worker string) (*ClaimResult, error) {
	ctx = logging.WithWorker(ctx, worker)

	if err := e.reap(ctx); err != nil {
		return nil, err
	}

	step, err := e.store.FindClaimableStep(ctx, worker)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return noWork, nil
	}

	ctx = logging.WithRunID(logging.WithStepID(ctx, step.ID), step.RunID)
	run, err := e.store.GetRun(ctx, step.RunID)
	if err != nil {
		return nil, err
	}
	// A failed run must never yield claimable work, even if a step row still
	// shows pending.
	if run.Status != schema.RunStatusRunning {
		return noWork, nil
	}

	if step.Type == schema.StepTypeLoop {
		return e.claimStory(ctx, run, step)
	}

	claimed, err := e.store.TransitionStep(ctx, step.ID, schema.StepStatusPending, schema.StepStatusRunning)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another claimant won the race.
		return noWork, nil
	}

	runCtx := run.Context
	hasStories, err := e.store.HasStories(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if hasStories {
		runCtx["progress"] = e.readProgress(ctx, run.ID)
	}

	logging.LogWith(ctx, e.logger).Info("step claimed")
	return &ClaimResult{
		Found:  true,
		StepID: step.ID,
		RunID:  run.ID,
		Input:  ResolveTemplate(step.InputTemplate, runCtx),
	}, nil
}

// claimLoopStep claims the loop step row for one story iteration.
// Returns false if another claimant won.
func (e *Engine) claimLoopStep(ctx context.Context, step *store.Step, storyID string) (bool, error) {
	claimed, err := e.store.TransitionStep(ctx, step.ID, schema.StepStatusPending, schema.StepStatusRunning)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	return true, e.store.UpdateStep(ctx, step.ID, store.StepUpdate{CurrentStoryID: &storyID})
}
