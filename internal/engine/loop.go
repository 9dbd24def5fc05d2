package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// verifyRetryVerdict is the context status value a verification worker
// reports to send the current story back for another attempt.
const verifyRetryVerdict = "retry"

// claimStory serves one iteration of a loop step: the earliest pending story
// for the run. When no pending stories remain the loop finished between
// polls; the step is resolved and the caller still gets "no work".
func (e *Engine) claimStory(ctx context.Context, run *store.Run, step *store.Step) (*ClaimResult, error) {
	story, err := e.store.NextPendingStory(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		counts, err := e.store.StoryStatusCounts(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		// A failed story forbids loop completion; the run goes down with it.
		if counts[schema.StoryStatusFailed] > 0 {
			if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{
				Status:     statusPtr(schema.StepStatusFailed),
				ClearStory: true,
			}); err != nil {
				return nil, err
			}
			if err := e.failRun(ctx, run.ID); err != nil {
				return nil, err
			}
			return noWork, nil
		}
		if _, _, err := e.finishLoop(ctx, run, step); err != nil {
			return nil, err
		}
		return noWork, nil
	}

	// The step CAS is the claim gate; only the winner touches the story.
	claimed, err := e.claimLoopStep(ctx, step, story.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return noWork, nil
	}

	started, err := e.store.TransitionStory(ctx, story.ID, schema.StoryStatusPending, schema.StoryStatusRunning)
	if err != nil {
		return nil, err
	}
	if !started {
		// The story moved under us (reaper race); release the step for the
		// next poll.
		if _, err := e.store.TransitionStep(ctx, step.ID, schema.StepStatusRunning, schema.StepStatusPending); err != nil {
			return nil, err
		}
		if err := e.store.UpdateStep(ctx, step.ID, store.StepUpdate{ClearStory: true}); err != nil {
			return nil, err
		}
		return noWork, nil
	}

	runCtx, err := e.injectStoryContext(ctx, run, story)
	if err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).Info("story claimed",
		slog.String("story_id", story.StoryID),
	)
	return &ClaimResult{
		Found:  true,
		StepID: step.ID,
		RunID:  run.ID,
		Input:  ResolveTemplate(step.InputTemplate, runCtx),
	}, nil
}

// injectStoryContext templates the loop iteration variables into the run
// context and persists it. verify_feedback carries over between attempts and
// defaults to empty.
func (e *Engine) injectStoryContext(ctx context.Context, run *store.Run, story *store.Story) (map[string]string, error) {
	all, err := e.store.ListStories(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	var completed []string
	remaining := 0
	for _, st := range all {
		switch st.Status {
		case schema.StoryStatusDone:
			completed = append(completed, st.StoryID+": "+st.Title)
		case schema.StoryStatusPending, schema.StoryStatusRunning:
			remaining++
		}
	}

	runCtx := run.Context
	runCtx["current_story"] = story.Description
	runCtx["current_story_id"] = story.StoryID
	runCtx["current_story_title"] = story.Title
	runCtx["completed_stories"] = strings.Join(completed, "\n")
	runCtx["stories_remaining"] = strconv.Itoa(remaining)
	runCtx["progress"] = e.readProgress(ctx, run.ID)
	if _, ok := runCtx["verify_feedback"]; !ok {
		runCtx["verify_feedback"] = ""
	}

	if err := e.store.SetRunContext(ctx, run.ID, runCtx); err != nil {
		return nil, err
	}
	return runCtx, nil
}

// continueLoop decides what happens after a story resolves successfully:
// another pending story re-arms the loop step, otherwise the loop is done.
func (e *Engine) continueLoop(ctx context.Context, run *store.Run, loopStep *store.Step) (*CompleteResult, error) {
	next, err := e.store.NextPendingStory(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if next != nil {
		// Re-arm: the next claim picks up the following story.
		if err := e.store.UpdateStep(ctx, loopStep.ID, store.StepUpdate{
			Status:     statusPtr(schema.StepStatusPending),
			ClearStory: true,
		}); err != nil {
			return nil, err
		}
		return &CompleteResult{}, nil
	}

	counts, err := e.store.StoryStatusCounts(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if counts[schema.StoryStatusFailed] > 0 {
		if err := e.store.UpdateStep(ctx, loopStep.ID, store.StepUpdate{
			Status:     statusPtr(schema.StepStatusFailed),
			ClearStory: true,
		}); err != nil {
			return nil, err
		}
		if err := e.failRun(ctx, run.ID); err != nil {
			return nil, err
		}
		return &CompleteResult{}, nil
	}

	advanced, completed, err := e.finishLoop(ctx, run, loopStep)
	if err != nil {
		return nil, err
	}
	return &CompleteResult{Advanced: advanced, RunCompleted: completed}, nil
}

// finishLoop marks the loop step done, resolves any paired verification step,
// and advances the pipeline.
func (e *Engine) finishLoop(ctx context.Context, run *store.Run, loopStep *store.Step) (bool, bool, error) {
	if err := e.store.UpdateStep(ctx, loopStep.ID, store.StepUpdate{
		Status:     statusPtr(schema.StepStatusDone),
		ClearStory: true,
	}); err != nil {
		return false, false, err
	}

	if loopStep.Loop != nil && loopStep.Loop.VerifyStep != "" {
		verify, err := e.store.FindStepByName(ctx, run.ID, loopStep.Loop.VerifyStep)
		if err != nil {
			return false, false, err
		}
		if !verify.Status.Terminal() {
			if err := e.store.UpdateStep(ctx, verify.ID, store.StepUpdate{
				Status: statusPtr(schema.StepStatusDone),
			}); err != nil {
				return false, false, err
			}
		}
	}

	logging.LogWith(ctx, e.logger).Info("loop finished", slog.String("step", loopStep.Name))
	return e.advance(ctx, run.ID)
}

// activeLoopFor returns the running loop step whose configuration pairs the
// given step as its verification step, or nil.
func (e *Engine) activeLoopFor(ctx context.Context, runID string, step *store.Step) (*store.Step, error) {
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.Loop != nil && st.Loop.VerifyStep == step.Name && st.Status == schema.StepStatusRunning {
			return st, nil
		}
	}
	return nil, nil
}

// completeVerification applies the verification worker's verdict, read from
// the "status" context value. Anything but "retry" passes the item.
func (e *Engine) completeVerification(ctx context.Context, run *store.Run, loopStep, verifyStep *store.Step, output string) (*CompleteResult, error) {
	verdict := run.Context["status"]

	// The verification step rewinds to waiting either way: it re-arms for the
	// next item (pass) or the retried attempt (retry).
	rearmVerify := func() error {
		return e.store.UpdateStep(ctx, verifyStep.ID, store.StepUpdate{
			Status: statusPtr(schema.StepStatusWaiting),
			Output: &output,
		})
	}

	if verdict != verifyRetryVerdict {
		run.Context["verify_feedback"] = ""
		if err := e.store.SetRunContext(ctx, run.ID, run.Context); err != nil {
			return nil, err
		}
		if err := rearmVerify(); err != nil {
			return nil, err
		}
		return e.continueLoop(ctx, run, loopStep)
	}

	story, err := e.store.LatestDoneStory(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		// Nothing to send back; treat as a pass.
		if err := rearmVerify(); err != nil {
			return nil, err
		}
		return e.continueLoop(ctx, run, loopStep)
	}

	retries := story.RetryCount + 1
	if retries > story.MaxRetries {
		if err := e.store.UpdateStory(ctx, story.ID, store.StoryUpdate{
			Status:     storyStatusPtr(schema.StoryStatusFailed),
			RetryCount: intPtr(retries),
		}); err != nil {
			return nil, err
		}
		if err := e.store.UpdateStep(ctx, loopStep.ID, store.StepUpdate{
			Status:     statusPtr(schema.StepStatusFailed),
			ClearStory: true,
		}); err != nil {
			return nil, err
		}
		if err := e.failRun(ctx, run.ID); err != nil {
			return nil, err
		}
		if err := rearmVerify(); err != nil {
			return nil, err
		}
		return &CompleteResult{}, nil
	}

	// Send the story back with the verifier's feedback in context for the
	// next attempt's template.
	if err := e.store.UpdateStory(ctx, story.ID, store.StoryUpdate{
		Status:     storyStatusPtr(schema.StoryStatusPending),
		RetryCount: intPtr(retries),
	}); err != nil {
		return nil, err
	}
	if err := e.store.UpdateStep(ctx, loopStep.ID, store.StepUpdate{
		Status:     statusPtr(schema.StepStatusPending),
		ClearStory: true,
	}); err != nil {
		return nil, err
	}
	run.Context["verify_feedback"] = output
	if err := e.store.SetRunContext(ctx, run.ID, run.Context); err != nil {
		return nil, err
	}
	if err := rearmVerify(); err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).Info("story sent back for retry",
		slog.String("story_id", story.StoryID),
		slog.Int("retry_count", retries),
	)
	return &CompleteResult{}, nil
}
