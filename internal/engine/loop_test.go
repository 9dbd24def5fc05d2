package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/schema"
)

func storiesBlock(ids ...string) string {
	entries := make([]string, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, fmt.Sprintf(
			`{"id": %q, "title": "Story %s", "description": "implement %s", "acceptance_criteria": ["works"]}`,
			id, id, id))
	}
	return "STORIES_JSON: [\n" + strings.Join(entries, ",\n") + "\n]"
}

func loopDef(loop *schema.LoopConfig, extra ...schema.StepDefinition) *schema.PipelineDefinition {
	steps := []schema.StepDefinition{
		{Name: "plan", Worker: "planner", InputTemplate: "Plan {{task}}"},
		{
			Name:          "implement",
			Worker:        "dev",
			Type:          schema.StepTypeLoop,
			InputTemplate: "Do {{current_story}} | done: {{completed_stories}} | left: {{stories_remaining}} | feedback: {{verify_feedback}}",
			Loop:          loop,
		},
	}
	steps = append(steps, extra...)
	return &schema.PipelineDefinition{ID: "loop-pipeline", Steps: steps}
}

func planStories(t *testing.T, eng *Engine, ids ...string) {
	t.Helper()
	ctx := context.Background()
	claim, err := eng.Claim(ctx, "planner")
	require.NoError(t, err)
	require.True(t, claim.Found)
	_, err = eng.Complete(ctx, claim.StepID, "Planned.\n"+storiesBlock(ids...))
	require.NoError(t, err)
}

func TestLoop_IteratesStoriesInOrder(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	def := loopDef(&schema.LoopConfig{Source: "stories"},
		schema.StepDefinition{Name: "wrap", Worker: "closer", InputTemplate: "wrap up"})
	runID, err := eng.CreateRun(ctx, def, "t")
	require.NoError(t, err)

	planStories(t, eng, "S1", "S2")

	// First iteration serves S1 with iteration context injected.
	claim, err := eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)
	assert.Contains(t, claim.Input, "implement S1")
	assert.Contains(t, claim.Input, "left: 2")
	assert.Contains(t, claim.Input, "feedback: ")

	res, err := eng.Complete(ctx, claim.StepID, "did S1")
	require.NoError(t, err)
	assert.False(t, res.RunCompleted)

	// Second iteration sees S1 in the completed list.
	claim, err = eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)
	assert.Contains(t, claim.Input, "implement S2")
	assert.Contains(t, claim.Input, "S1: Story S1")
	assert.Contains(t, claim.Input, "left: 1")

	res, err = eng.Complete(ctx, claim.StepID, "did S2")
	require.NoError(t, err)
	assert.True(t, res.Advanced)

	// All stories done, loop step resolved, next step promoted.
	stories, err := st.ListStories(ctx, runID)
	require.NoError(t, err)
	for _, story := range stories {
		assert.Equal(t, schema.StoryStatusDone, story.Status)
	}
	assert.Equal(t, schema.StepStatusDone, stepByName(t, st, runID, "implement").Status)
	assert.Equal(t, schema.StepStatusPending, stepByName(t, st, runID, "wrap").Status)

	// Finishing the wrap step completes the run.
	claim, err = eng.Claim(ctx, "closer")
	require.NoError(t, err)
	require.True(t, claim.Found)
	res, err = eng.Complete(ctx, claim.StepID, "all wrapped")
	require.NoError(t, err)
	assert.True(t, res.RunCompleted)
}

func TestLoop_ProgressInjectionAndArchival(t *testing.T) {
	eng, _, progressDir := newTestEngine(t)
	ctx := context.Background()

	def := loopDef(&schema.LoopConfig{Source: "stories"})
	def.Steps[1].InputTemplate = "Do {{current_story_id}} with notes: {{progress}}"
	runID, err := eng.CreateRun(ctx, def, "t")
	require.NoError(t, err)

	planStories(t, eng, "S1")

	require.NoError(t, os.MkdirAll(progressDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(progressDir, runID+".md"),
		[]byte("# Notes\nparser half done\n"), 0o644))

	claim, err := eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)
	assert.Contains(t, claim.Input, "parser half done")

	res, err := eng.Complete(ctx, claim.StepID, "done")
	require.NoError(t, err)
	assert.True(t, res.RunCompleted)

	// The run completed, so the progress log moved to the archive.
	_, statErr := os.Stat(filepath.Join(progressDir, runID+".md"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(progressDir, "archive", runID+".md"))
	assert.NoError(t, statErr)
}

func TestLoop_VerifyEachRetryThenPass(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	def := loopDef(
		&schema.LoopConfig{Source: "stories", VerifyStep: "review", VerifyEach: true},
		schema.StepDefinition{Name: "review", Worker: "reviewer", InputTemplate: "Review {{current_story_id}}"},
	)
	runID, err := eng.CreateRun(ctx, def, "t")
	require.NoError(t, err)

	planStories(t, eng, "S1", "S2")

	// S1: first attempt goes to verification.
	claim, err := eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)
	_, err = eng.Complete(ctx, claim.StepID, "attempt one")
	require.NoError(t, err)

	review, err := eng.Claim(ctx, "reviewer")
	require.NoError(t, err)
	require.True(t, review.Found)
	assert.Equal(t, "Review S1", review.Input)

	// The verifier sends S1 back with feedback.
	_, err = eng.Complete(ctx, review.StepID, "STATUS: retry\nMissing edge case tests")
	require.NoError(t, err)

	stories, err := st.ListStories(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.StoryStatusPending, stories[0].Status)
	assert.Equal(t, 1, stories[0].RetryCount)
	assert.Equal(t, schema.StepStatusWaiting, stepByName(t, st, runID, "review").Status)

	// The retried attempt carries the verifier's feedback.
	claim, err = eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)
	assert.Contains(t, claim.Input, "implement S1")
	assert.Contains(t, claim.Input, "Missing edge case tests")

	_, err = eng.Complete(ctx, claim.StepID, "attempt two")
	require.NoError(t, err)
	review, err = eng.Claim(ctx, "reviewer")
	require.NoError(t, err)
	require.True(t, review.Found)
	_, err = eng.Complete(ctx, review.StepID, "STATUS: approved")
	require.NoError(t, err)

	// S1 stays done, feedback is cleared, S2 comes up next.
	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, run.Context["verify_feedback"])

	claim, err = eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)
	assert.Contains(t, claim.Input, "implement S2")

	_, err = eng.Complete(ctx, claim.StepID, "did S2")
	require.NoError(t, err)
	review, err = eng.Claim(ctx, "reviewer")
	require.NoError(t, err)
	require.True(t, review.Found)
	_, err = eng.Complete(ctx, review.StepID, "STATUS: approved")
	require.NoError(t, err)

	// Both stories passed, loop and paired review step resolved, run complete.
	run, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, schema.StepStatusDone, stepByName(t, st, runID, "implement").Status)
	assert.Equal(t, schema.StepStatusDone, stepByName(t, st, runID, "review").Status)
}

func TestLoop_VerifyRetryExhaustionFailsRun(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	def := loopDef(
		&schema.LoopConfig{Source: "stories", VerifyStep: "review", VerifyEach: true},
		schema.StepDefinition{Name: "review", Worker: "reviewer", InputTemplate: "Review {{current_story_id}}"},
	)
	runID, err := eng.CreateRun(ctx, def, "t")
	require.NoError(t, err)

	planStories(t, eng, "S1")

	// Three rejected attempts exhaust the story's retry budget.
	for attempt := 1; attempt <= 3; attempt++ {
		claim, err := eng.Claim(ctx, "dev")
		require.NoError(t, err)
		require.True(t, claim.Found, "attempt %d", attempt)
		_, err = eng.Complete(ctx, claim.StepID, "attempt")
		require.NoError(t, err)

		review, err := eng.Claim(ctx, "reviewer")
		require.NoError(t, err)
		require.True(t, review.Found, "attempt %d", attempt)
		_, err = eng.Complete(ctx, review.StepID, "STATUS: retry\nstill wrong")
		require.NoError(t, err)
	}

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)

	stories, err := st.ListStories(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.StoryStatusFailed, stories[0].Status)
	assert.Equal(t, schema.StepStatusFailed, stepByName(t, st, runID, "implement").Status)
}

func TestLoop_StoryFailureRetriesThenFailsRun(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	def := loopDef(&schema.LoopConfig{Source: "stories"})
	runID, err := eng.CreateRun(ctx, def, "t")
	require.NoError(t, err)

	planStories(t, eng, "S1")

	for attempt := 1; attempt <= 2; attempt++ {
		claim, err := eng.Claim(ctx, "dev")
		require.NoError(t, err)
		require.True(t, claim.Found, "attempt %d", attempt)

		res, err := eng.Fail(ctx, claim.StepID, "broken build")
		require.NoError(t, err)
		assert.True(t, res.Retrying)

		stories, err := st.ListStories(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, schema.StoryStatusPending, stories[0].Status)
		assert.Equal(t, attempt, stories[0].RetryCount)
	}

	claim, err := eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)
	res, err := eng.Fail(ctx, claim.StepID, "broken build")
	require.NoError(t, err)
	assert.True(t, res.RunFailed)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	stories, err := st.ListStories(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.StoryStatusFailed, stories[0].Status)
}

// --- Reaper ---

func TestReaper_RecyclesAbandonedStep(t *testing.T) {
	eng, st, _ := newTestEngine(t, func(o *Options) { o.StaleAfter = time.Minute })
	ctx := context.Background()

	_, err := eng.CreateRun(ctx, threeStepDef(), "t")
	require.NoError(t, err)

	claim, err := eng.Claim(ctx, "planner")
	require.NoError(t, err)
	require.True(t, claim.Found)

	backdateStep(t, st, claim.StepID, 2*time.Minute)

	// The next poll reaps the abandoned step and claims it again.
	again, err := eng.Claim(ctx, "planner")
	require.NoError(t, err)
	require.True(t, again.Found)
	assert.Equal(t, claim.StepID, again.StepID)

	step, err := st.GetStep(ctx, claim.StepID)
	require.NoError(t, err)
	assert.Equal(t, 1, step.RetryCount)
	assert.Contains(t, step.Output, "abandoned")
}

func TestReaper_FreshWorkIsLeftAlone(t *testing.T) {
	eng, st, _ := newTestEngine(t, func(o *Options) { o.StaleAfter = time.Hour })
	ctx := context.Background()

	_, err := eng.CreateRun(ctx, threeStepDef(), "t")
	require.NoError(t, err)

	claim, err := eng.Claim(ctx, "planner")
	require.NoError(t, err)
	require.True(t, claim.Found)

	again, err := eng.Claim(ctx, "planner")
	require.NoError(t, err)
	assert.False(t, again.Found)

	step, err := st.GetStep(ctx, claim.StepID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusRunning, step.Status)
	assert.Zero(t, step.RetryCount)
}

func TestReaper_ExhaustedStepFailsRun(t *testing.T) {
	eng, st, _ := newTestEngine(t, func(o *Options) { o.StaleAfter = time.Minute })
	ctx := context.Background()

	runID, err := eng.CreateRun(ctx, threeStepDef(), "t")
	require.NoError(t, err)

	// Each cycle: claim, abandon, poll again. The first two polls recycle the
	// step; the final reap exhausts the budget.
	var stepID string
	for i := 0; i < 3; i++ {
		claim, err := eng.Claim(ctx, "planner")
		require.NoError(t, err)
		require.True(t, claim.Found, "cycle %d", i)
		stepID = claim.StepID
		backdateStep(t, st, stepID, 2*time.Minute)
	}

	final, err := eng.Claim(ctx, "planner")
	require.NoError(t, err)
	assert.False(t, final.Found)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)

	step, err := st.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	assert.Equal(t, 3, step.RetryCount)
}

func TestReaper_RecyclesAbandonedStory(t *testing.T) {
	eng, st, _ := newTestEngine(t, func(o *Options) { o.StaleAfter = time.Minute })
	ctx := context.Background()

	runID, err := eng.CreateRun(ctx, loopDef(&schema.LoopConfig{Source: "stories"}), "t")
	require.NoError(t, err)

	planStories(t, eng, "S1", "S2")

	claim, err := eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, claim.Found)

	stories, err := st.ListStories(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, schema.StoryStatusRunning, stories[0].Status)

	backdateStep(t, st, claim.StepID, 2*time.Minute)
	backdateStory(t, st, stories[0].ID, 2*time.Minute)

	// Both the step and its in-flight story are recycled; the same story is
	// served again.
	again, err := eng.Claim(ctx, "dev")
	require.NoError(t, err)
	require.True(t, again.Found)
	assert.Contains(t, again.Input, "implement S1")

	stories, err = st.ListStories(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, stories[0].RetryCount)
}
