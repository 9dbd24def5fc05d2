package store

import (
	"context"
	"time"

	"github.com/crewline/crewline/pkg/schema"
)

// Store defines the persistence layer contract. It is the single source of
// truth for the engine: no component holds authoritative state in memory.
// All implementations must be safe for concurrent use.
//
// Transition* methods implement conditional status updates: the row is
// updated only if it still holds the expected prior status, and a false
// return means the caller lost the race, not that something is wrong.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run, steps []*Step) error // one transaction
	GetRun(ctx context.Context, id string) (*Run, error)
	TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) (bool, error)
	SetRunContext(ctx context.Context, id string, runCtx map[string]string) error

	// Steps
	GetStep(ctx context.Context, id string) (*Step, error)
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
	FindStepByName(ctx context.Context, runID, name string) (*Step, error)
	FindClaimableStep(ctx context.Context, worker string) (*Step, error) // nil when no pending work
	TransitionStep(ctx context.Context, id string, from, to schema.StepStatus) (bool, error)
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	ListStaleSteps(ctx context.Context, cutoff time.Time) ([]*Step, error)

	// Stories
	CreateStories(ctx context.Context, stories []*Story) error // one transaction
	GetStory(ctx context.Context, id string) (*Story, error)
	ListStories(ctx context.Context, runID string) ([]*Story, error)
	NextPendingStory(ctx context.Context, runID string) (*Story, error) // nil when none
	LatestDoneStory(ctx context.Context, runID string) (*Story, error)  // nil when none
	StoryStatusCounts(ctx context.Context, runID string) (map[schema.StoryStatus]int, error)
	HasStories(ctx context.Context, runID string) (bool, error)
	TransitionStory(ctx context.Context, id string, from, to schema.StoryStatus) (bool, error)
	UpdateStory(ctx context.Context, id string, update StoryUpdate) error
	ListStaleStories(ctx context.Context, cutoff time.Time) ([]*Story, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
