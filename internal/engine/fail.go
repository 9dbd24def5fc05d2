package engine

import (
	"context"
	"log/slog"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// FailResult reports whether the failed attempt will be retried and whether
// the run went terminal.
type FailResult struct {
	Retrying  bool `json:"retrying"`
	RunFailed bool `json:"run_failed"`
}

// Fail applies the retry policy to a worker-reported failure. Retry is
// per-story for loop items and per-step otherwise; the run fails only when a
// retry budget is exhausted, never on a single failed attempt.
func (e *Engine) Fail(ctx context.Context, stepID, errText string) (*FailResult, error) {
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
		return &FailResult{RunFailed: run.Status == schema.RunStatusFailed}, nil
	}

	// Loop step with an item in progress: the retry budget belongs to the
	// story, not the step.
	if step.Type == schema.StepTypeLoop && step.CurrentStoryID != "" {
		story, err := e.store.GetStory(ctx, step.CurrentStoryID)
		if err != nil {
			return nil, err
		}

		retries := story.RetryCount + 1
		if retries > story.MaxRetries {
			if err := e.store.UpdateStory(ctx, story.ID, store.StoryUpdate{
				Status:     storyStatusPtr(schema.StoryStatusFailed),
				RetryCount: intPtr(retries),
				Output:     &errText,
			}); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
				Status:     statusPtr(schema.StepStatusFailed),
				Output:     &errText,
				ClearStory: true,
			}); err != nil {
				return nil, err
			}
			if err := e.failRun(ctx, run.ID); err != nil {
				return nil, err
			}
			logging.LogWith(ctx, e.logger).Warn("story retries exhausted",
				slog.String("story_id", story.StoryID))
			return &FailResult{RunFailed: true}, nil
		}

		// A later claim re-enters the same item.
		if err := e.store.UpdateStory(ctx, story.ID, store.StoryUpdate{
			Status:     storyStatusPtr(schema.StoryStatusPending),
			RetryCount: intPtr(retries),
		}); err != nil {
			return nil, err
		}
		if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
			Status:     statusPtr(schema.StepStatusPending),
			ClearStory: true,
		}); err != nil {
			return nil, err
		}
		logging.LogWith(ctx, e.logger).Info("story attempt failed, retrying",
			slog.String("story_id", story.StoryID),
			slog.Int("retry_count", retries),
		)
		return &FailResult{Retrying: true}, nil
	}

	return e.failStep(ctx, step, errText)
}

// failStep applies step-level retry accounting. Shared by Fail and the
// abandonment reaper.
func (e *Engine) failStep(ctx context.Context, step *store.Step, errText string) (*FailResult, error) {
	retries := step.RetryCount + 1
	if retries > step.MaxRetries {
		if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
			Status:     statusPtr(schema.StepStatusFailed),
			Output:     &errText,
			RetryCount: intPtr(retries),
			ClearStory: true,
		}); err != nil {
			return nil, err
		}
		if err := e.failRun(ctx, step.RunID); err != nil {
			return nil, err
		}
		logging.LogWith(ctx, e.logger).Warn("step retries exhausted",
			slog.String("step", step.Name))
		return &FailResult{RunFailed: true}, nil
	}

	if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:     statusPtr(schema.StepStatusPending),
		RetryCount: intPtr(retries),
		ClearStory: true,
	}); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("step attempt failed, retrying",
		slog.String("step", step.Name),
		slog.Int("retry_count", retries),
	)
	return &FailResult{Retrying: true}, nil
}
