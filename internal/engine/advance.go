package engine

import (
	"context"
	"log/slog"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// advance promotes the lowest-index waiting step to pending, or marks the run
// completed when none remain. Steps whose condition evaluates false against
// the run context are resolved as done without ever being served.
// Returns (advanced, runCompleted).
func (e *Engine) advance(ctx context.Context, runID string) (bool, bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, false, err
	}
	// A failed run is immutable; no promotion, ever.
	if run.Status == schema.RunStatusFailed {
		return false, false, nil
	}

	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return false, false, err
	}

	for _, step := range steps {
		if step.Status != schema.StepStatusWaiting {
			continue
		}

		if step.Condition != "" {
			ok, err := e.conditions.Eval(step.Condition, run.Context)
			if err != nil {
				return false, false, err
			}
			if !ok {
				if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
					Status: statusPtr(schema.StepStatusDone),
					Output: strPtr("[skipped]"),
				}); err != nil {
					return false, false, err
				}
				logging.LogWith(ctx, e.logger).Info("step skipped by condition",
					slog.String("step", step.Name))
				continue
			}
		}

		promoted, err := e.store.TransitionStep(ctx, step.ID, schema.StepStatusWaiting, schema.StepStatusPending)
		if err != nil {
			return false, false, err
		}
		if promoted {
			logging.LogWith(ctx, e.logger).Info("pipeline advanced",
				slog.String("step", step.Name))
		}
		return promoted, false, nil
	}

	// No waiting steps remain: the run is complete.
	completed, err := e.store.TransitionRun(ctx, runID, schema.RunStatusRunning, schema.RunStatusCompleted)
	if err != nil {
		return false, false, err
	}
	if completed {
		if e.progress != nil {
			if err := e.progress.Archive(ctx, runID); err != nil {
				logging.LogWith(logging.WithRunID(ctx, runID), e.logger).Warn("progress archive failed",
					slog.String("error", err.Error()))
			}
		}
		logging.LogWith(logging.WithRunID(ctx, runID), e.logger).Info("run completed")
	}
	return false, completed, nil
}
