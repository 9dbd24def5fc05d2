package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// abandonedMessage is recorded on work recovered by the reaper.
const abandonedMessage = "abandoned without completing"

// reap recovers work stuck in-progress past the staleness window. It runs at
// the start of every Claim so stale work is recycled before being reported
// unavailable. Steps get step-level failure treatment even when a loop item
// is in flight (the reaper cannot reliably distinguish loop-item context;
// the stuck story is swept independently below).
func (e *Engine) reap(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-e.staleAfter)

	steps, err := e.store.ListStaleSteps(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, step := range steps {
		run, err := e.store.GetRun(ctx, step.RunID)
		if err != nil {
			return err
		}
		// Terminal runs stay untouched.
		if run.Status != schema.RunStatusRunning {
			continue
		}
		stepCtx := logging.WithRunID(logging.WithStepID(ctx, step.ID), step.RunID)
		logging.LogWith(stepCtx, e.logger).Warn("reaping abandoned step",
			slog.String("step", step.Name))
		if _, err := e.failStep(stepCtx, step, abandonedMessage); err != nil {
			return err
		}
	}

	stories, err := e.store.ListStaleStories(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, story := range stories {
		run, err := e.store.GetRun(ctx, story.RunID)
		if err != nil {
			return err
		}
		if run.Status != schema.RunStatusRunning {
			continue
		}
		storyCtx := logging.WithRunID(ctx, story.RunID)

		retries := story.RetryCount + 1
		if retries > story.MaxRetries {
			if err := e.store.UpdateStory(storyCtx, story.ID, store.StoryUpdate{
				Status:     storyStatusPtr(schema.StoryStatusFailed),
				RetryCount: intPtr(retries),
				Output:     strPtr(abandonedMessage),
			}); err != nil {
				return err
			}
			logging.LogWith(storyCtx, e.logger).Warn("abandoned story retries exhausted",
				slog.String("story_id", story.StoryID))
			continue
		}
		if err := e.store.UpdateStory(storyCtx, story.ID, store.StoryUpdate{
			Status:     storyStatusPtr(schema.StoryStatusPending),
			RetryCount: intPtr(retries),
		}); err != nil {
			return err
		}
		logging.LogWith(storyCtx, e.logger).Info("reaped abandoned story",
			slog.String("story_id", story.StoryID),
			slog.Int("retry_count", retries),
		)
	}

	return nil
}
