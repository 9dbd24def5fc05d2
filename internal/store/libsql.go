package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/crewline/crewline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. test fixtures).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

// CreateRun inserts a run and all of its pre-materialized steps in one
// transaction; a run is never visible without its full step sequence.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run, steps []*Step) error {
	ctxJSON, err := marshalContext(run.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, task, status, context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, run.Task, string(run.Status), ctxJSON,
		timeOrNow(run.CreatedAt, now), timeOrNow(run.UpdatedAt, now),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range steps {
		loopJSON, err := marshalLoop(st.Loop)
		if err != nil {
			return fmt.Errorf("marshal loop config for step %q: %w", st.Name, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (id, run_id, name, worker, seq, type, status, input_template, expects, condition, loop_config, retry_count, max_retries, output, current_story_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.RunID, st.Name, st.Worker, st.Seq, string(st.Type), string(st.Status),
			st.InputTemplate, st.Expects, st.Condition, loopJSON,
			st.RetryCount, st.MaxRetries, nullStr(st.Output), nullStr(st.CurrentStoryID),
			timeOrNow(st.CreatedAt, now), timeOrNow(st.UpdatedAt, now),
		)
		if err != nil {
			return fmt.Errorf("insert step %q: %w", st.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var status, ctxJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, task, status, context, created_at, updated_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.PipelineID, &r.Task, &status, &ctxJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(ctxJSON), &r.Context); err != nil {
		return nil, fmt.Errorf("unmarshal run context: %w", err)
	}
	if r.Context == nil {
		r.Context = map[string]string{}
	}
	return r, nil
}

// TransitionRun conditionally moves a run between statuses. A false return
// means the run was not in the expected prior status (lost race or terminal).
func (s *LibSQLStore) TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetRunContext fully replaces the serialized context map under one statement.
// Last writer wins at the field level; see the engine's concurrency notes.
func (s *LibSQLStore) SetRunContext(ctx context.Context, id string, runCtx map[string]string) error {
	ctxJSON, err := marshalContext(runCtx)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET context = ?, updated_at = ? WHERE id = ?`,
		ctxJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Steps ---

const stepColumns = `id, run_id, name, worker, seq, type, status, input_template, expects, condition, loop_config, retry_count, max_retries, output, current_story_id, created_at, updated_at`

func (s *LibSQLStore) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", id)
	}
	return st, err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (s *LibSQLStore) FindStepByName(ctx context.Context, runID, name string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND name = ?`, runID, name)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", runID+"/"+name)
	}
	return st, err
}

// FindClaimableStep returns the earliest-created pending step assigned to the
// worker, or nil when there is no pending work. Selection does not claim;
// the caller must win the TransitionStep CAS before handing out the step.
func (s *LibSQLStore) FindClaimableStep(ctx context.Context, worker string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE worker = ? AND status = ?
		 ORDER BY created_at ASC, seq ASC LIMIT 1`,
		worker, string(schema.StepStatusPending))
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// TransitionStep conditionally moves a step between statuses (compare-and-swap).
// Zero affected rows means another claimant won; that is reported as false,
// never as an error.
func (s *LibSQLStore) TransitionStep(ctx context.Context, id string, from, to schema.StepStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *update.Output)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.CurrentStoryID != nil {
		sets = append(sets, "current_story_id = ?")
		args = append(args, *update.CurrentStoryID)
	} else if update.ClearStory {
		sets = append(sets, "current_story_id = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

// ListStaleSteps returns steps stuck in running past the cutoff, measured
// from their last update.
func (s *LibSQLStore) ListStaleSteps(ctx context.Context, cutoff time.Time) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE status = ? AND updated_at < ?`,
		string(schema.StepStatusRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

// --- Stories ---

const storyColumns = `id, run_id, seq, story_id, title, description, criteria, status, retry_count, max_retries, output, created_at, updated_at`

// CreateStories inserts a batch of stories in one transaction. The
// UNIQUE(run_id, story_id) constraint backs the engine's duplicate check.
func (s *LibSQLStore) CreateStories(ctx context.Context, stories []*Story) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, st := range stories {
		criteria, err := json.Marshal(st.Criteria)
		if err != nil {
			return fmt.Errorf("marshal criteria for story %q: %w", st.StoryID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO stories (id, run_id, seq, story_id, title, description, criteria, status, retry_count, max_retries, output, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.RunID, st.Seq, st.StoryID, st.Title, st.Description, string(criteria),
			string(st.Status), st.RetryCount, st.MaxRetries, nullStr(st.Output),
			timeOrNow(st.CreatedAt, now), timeOrNow(st.UpdatedAt, now),
		)
		if err != nil {
			return fmt.Errorf("insert story %q: %w", st.StoryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stories: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetStory(ctx context.Context, id string) (*Story, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	st, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("story", id)
	}
	return st, err
}

func (s *LibSQLStore) ListStories(ctx context.Context, runID string) ([]*Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStories(rows)
}

func (s *LibSQLStore) NextPendingStory(ctx context.Context, runID string) (*Story, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? AND status = ?
		 ORDER BY seq ASC LIMIT 1`,
		runID, string(schema.StoryStatusPending))
	st, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func (s *LibSQLStore) LatestDoneStory(ctx context.Context, runID string) (*Story, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? AND status = ?
		 ORDER BY updated_at DESC, seq DESC LIMIT 1`,
		runID, string(schema.StoryStatusDone))
	st, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func (s *LibSQLStore) StoryStatusCounts(ctx context.Context, runID string) (map[schema.StoryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM stories WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[schema.StoryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[schema.StoryStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *LibSQLStore) HasStories(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stories WHERE run_id = ?)`, runID).Scan(&exists)
	return exists, err
}

// TransitionStory conditionally moves a story between statuses (compare-and-swap).
func (s *LibSQLStore) TransitionStory(ctx context.Context, id string, from, to schema.StoryStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) UpdateStory(ctx context.Context, id string, update StoryUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *update.Output)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE stories SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "story", id)
}

// ListStaleStories returns stories stuck in running past the cutoff.
func (s *LibSQLStore) ListStaleStories(ctx context.Context, cutoff time.Time) ([]*Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE status = ? AND updated_at < ?`,
		string(schema.StoryStatusRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStories(rows)
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*Step, error) {
	st := &Step{}
	var stepType, status string
	var loopJSON, output, currentStory sql.NullString
	err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Worker, &st.Seq, &stepType, &status,
		&st.InputTemplate, &st.Expects, &st.Condition, &loopJSON,
		&st.RetryCount, &st.MaxRetries, &output, &currentStory, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Type = schema.StepType(stepType)
	st.Status = schema.StepStatus(status)
	st.Output = output.String
	st.CurrentStoryID = currentStory.String
	if loopJSON.Valid && loopJSON.String != "" {
		st.Loop = &schema.LoopConfig{}
		if err := json.Unmarshal([]byte(loopJSON.String), st.Loop); err != nil {
			return nil, fmt.Errorf("unmarshal loop config: %w", err)
		}
	}
	return st, nil
}

func scanSteps(rows *sql.Rows) ([]*Step, error) {
	var steps []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanStory(row rowScanner) (*Story, error) {
	st := &Story{}
	var status, criteria string
	var output sql.NullString
	err := row.Scan(&st.ID, &st.RunID, &st.Seq, &st.StoryID, &st.Title, &st.Description,
		&criteria, &status, &st.RetryCount, &st.MaxRetries, &output, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = schema.StoryStatus(status)
	st.Output = output.String
	if err := json.Unmarshal([]byte(criteria), &st.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshal criteria: %w", err)
	}
	return st, nil
}

func scanStories(rows *sql.Rows) ([]*Story, error) {
	var stories []*Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, st)
	}
	return stories, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CrewError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalContext(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalLoop(cfg *schema.LoopConfig) (any, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
