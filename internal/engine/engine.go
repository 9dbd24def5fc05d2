// Package engine implements the pipeline execution engine: the state machine
// governing runs, steps and stories, backed by the store as the single source
// of truth. The engine holds no authoritative state in memory; concurrency
// between independent polling workers is resolved entirely through
// conditional store updates.
package engine

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// DefaultStaleAfter is the staleness window after which in-progress work with
// no report is considered abandoned.
const DefaultStaleAfter = 15 * time.Minute

// Engine coordinates runs, steps and stories through the store.
// It is invoked synchronously per request; all cross-worker concurrency is
// resolved by the store's conditional updates.
type Engine struct {
	store      store.Store
	progress   ProgressLog
	stories    *StoryParser
	conditions *conditionEvaluator
	logger     *slog.Logger
	staleAfter time.Duration
}

// Options configures optional Engine collaborators.
type Options struct {
	Progress   ProgressLog   // nil disables progress injection and archival
	Logger     *slog.Logger  // nil falls back to a stderr text logger
	StaleAfter time.Duration // zero means DefaultStaleAfter
}

// New creates an Engine on top of the given store.
func New(st store.Store, opts Options) (*Engine, error) {
	parser, err := NewStoryParser()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	return &Engine{
		store:      st,
		progress:   opts.Progress,
		stories:    parser,
		conditions: newConditionEvaluator(),
		logger:     logger,
		staleAfter: staleAfter,
	}, nil
}

// CreateRun materializes a run and all of its steps in one transaction.
// The first step starts pending, all later steps waiting.
func (e *Engine) CreateRun(ctx context.Context, def *schema.PipelineDefinition, task string) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	run := &store.Run{
		ID:         runID,
		PipelineID: def.ID,
		Task:       task,
		Status:     schema.RunStatusRunning,
		Context:    lowercaseKeys(def.Context),
	}

	steps := make([]*store.Step, 0, len(def.Steps))
	for i, sd := range def.Steps {
		status := schema.StepStatusWaiting
		if i == 0 {
			status = schema.StepStatusPending
		}
		stepType := sd.Type
		if stepType == "" {
			stepType = schema.StepTypeSingle
		}
		maxRetries := sd.MaxRetries
		if maxRetries <= 0 {
			maxRetries = schema.DefaultMaxRetries
		}
		steps = append(steps, &store.Step{
			ID:            uuid.New().String(),
			RunID:         runID,
			Name:          sd.Name,
			Worker:        sd.Worker,
			Seq:           i,
			Type:          stepType,
			Status:        status,
			InputTemplate: sd.InputTemplate,
			Expects:       sd.Expects,
			Condition:     sd.Condition,
			Loop:          sd.Loop,
			MaxRetries:    maxRetries,
		})
	}

	if err := e.store.CreateRun(ctx, run, steps); err != nil {
		return "", err
	}

	ctx = logging.WithRunID(ctx, runID)
	logging.LogWith(ctx, e.logger).Info("run created",
		slog.String("pipeline_id", def.ID),
		slog.Int("steps", len(steps)),
	)
	return runID, nil
}

// ListStories returns the run's stories in sequence order (read-only projection).
func (e *Engine) ListStories(ctx context.Context, runID string) ([]*store.Story, error) {
	return e.store.ListStories(ctx, runID)
}

// RunStatusView is a read-only projection of a run and its steps.
type RunStatusView struct {
	Run   *store.Run    `json:"run"`
	Steps []*store.Step `json:"steps"`
}

// Status returns the run with its full step sequence.
func (e *Engine) Status(ctx context.Context, runID string) (*RunStatusView, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatusView{Run: run, Steps: steps}, nil
}

// failRun marks the run terminally failed. One-way: the conditional update
// only fires from running, so a completed run can never be demoted.
func (e *Engine) failRun(ctx context.Context, runID string) error {
	moved, err := e.store.TransitionRun(ctx, runID, schema.RunStatusRunning, schema.RunStatusFailed)
	if err != nil {
		return err
	}
	if moved {
		logging.LogWith(logging.WithRunID(ctx, runID), e.logger).Warn("run failed")
	}
	return nil
}

// readProgress fetches the run's external progress text. Absence or read
// failure degrades to an empty string; progress injection is a convenience,
// never a requirement.
func (e *Engine) readProgress(ctx context.Context, runID string) string {
	if e.progress == nil {
		return ""
	}
	text, err := e.progress.Read(ctx, runID)
	if err != nil {
		logging.LogWith(logging.WithRunID(ctx, runID), e.logger).Warn("progress log read failed",
			slog.String("error", err.Error()))
		return ""
	}
	return text
}

// mergeContext applies parsed key/value output into the run context and
// persists the full serialized map (last writer wins at the field level).
func (e *Engine) mergeContext(ctx context.Context, run *store.Run, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	for k, v := range kv {
		run.Context[k] = v
	}
	return e.store.SetRunContext(ctx, run.ID, run.Context)
}

// createStories parses a STORIES_JSON block and bulk-inserts the stories.
// Duplicate ids against already-persisted stories are rejected before insert.
func (e *Engine) createStories(ctx context.Context, run *store.Run, blockJSON string) error {
	inputs, err := e.stories.Parse(blockJSON)
	if err != nil {
		return err
	}

	existing, err := e.store.ListStories(ctx, run.ID)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(existing))
	for _, st := range existing {
		known[st.StoryID] = struct{}{}
	}

	stories := make([]*store.Story, 0, len(inputs))
	for i, in := range inputs {
		if _, dup := known[in.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"story id %q already exists in run %s", in.ID, run.ID)
		}
		stories = append(stories, &store.Story{
			ID:          uuid.New().String(),
			RunID:       run.ID,
			Seq:         len(existing) + i,
			StoryID:     in.ID,
			Title:       in.Title,
			Description: in.Description,
			Criteria:    in.AcceptanceCriteria,
			Status:      schema.StoryStatusPending,
			MaxRetries:  schema.DefaultMaxRetries,
		})
	}

	if err := e.store.CreateStories(ctx, stories); err != nil {
		return err
	}

	ctx = logging.WithRunID(ctx, run.ID)
	logging.LogWith(ctx, e.logger).Info("stories created", slog.Int("count", len(stories)))
	return nil
}

func lowercaseKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func statusPtr(s schema.StepStatus) *schema.StepStatus    { return &s }
func storyStatusPtr(s schema.StoryStatus) *schema.StoryStatus { return &s }
func strPtr(s string) *string                             { return &s }
func intPtr(n int) *int                                   { return &n }
