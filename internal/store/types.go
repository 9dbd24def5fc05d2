package store

import (
	"time"

	"github.com/crewline/crewline/pkg/schema"
)

// Run is the persisted representation of one pipeline execution.
type Run struct {
	ID         string            `json:"id"`
	PipelineID string            `json:"pipeline_id"`
	Task       string            `json:"task"`
	Status     schema.RunStatus  `json:"status"`
	Context    map[string]string `json:"context"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Step is one stage of a run's pipeline, materialized in full at run creation.
type Step struct {
	ID             string             `json:"id"`
	RunID          string             `json:"run_id"`
	Name           string             `json:"name"` // logical step id within the pipeline
	Worker         string             `json:"worker"`
	Seq            int                `json:"seq"`
	Type           schema.StepType    `json:"type"`
	Status         schema.StepStatus  `json:"status"`
	InputTemplate  string             `json:"input_template"`
	Expects        string             `json:"expects,omitempty"`
	Condition      string             `json:"condition,omitempty"`
	Loop           *schema.LoopConfig `json:"loop,omitempty"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
	Output         string             `json:"output,omitempty"`           // last reported raw text
	CurrentStoryID string             `json:"current_story_id,omitempty"` // set only while a loop item is in progress
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Story is one unit of iteration belonging to a loop step's run.
type Story struct {
	ID          string             `json:"id"`
	RunID       string             `json:"run_id"`
	Seq         int                `json:"seq"`
	StoryID     string             `json:"story_id"` // logical id from the story block
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Criteria    []string           `json:"criteria"`
	Status      schema.StoryStatus `json:"status"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	Output      string             `json:"output,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// StepUpdate specifies mutable fields of a step. Nil fields are left untouched;
// every applied update bumps updated_at.
type StepUpdate struct {
	Status         *schema.StepStatus
	Output         *string
	RetryCount     *int
	CurrentStoryID *string // set the loop item pointer
	ClearStory     bool    // null the loop item pointer
}

// StoryUpdate specifies mutable fields of a story.
type StoryUpdate struct {
	Status     *schema.StoryStatus
	Output     *string
	RetryCount *int
}
