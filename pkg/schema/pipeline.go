package schema

// PipelineDefinition is the ordered step list a run is materialized from.
// It is supplied once at run creation and never re-read by the engine.
type PipelineDefinition struct {
	ID      string            `json:"id"`
	Steps   []StepDefinition  `json:"steps"`
	Context map[string]string `json:"context,omitempty"` // initial run context
}

// StepDefinition describes one pipeline stage.
type StepDefinition struct {
	Name          string      `json:"name"`                     // logical step id, stable within the pipeline
	Worker        string      `json:"worker"`                   // worker identity this step is assigned to
	Type          StepType    `json:"type,omitempty"`           // single (default) or loop
	InputTemplate string      `json:"input_template"`           // {{key}} placeholders resolved against run context
	Expects       string      `json:"expects,omitempty"`        // advisory description of the required output shape
	Condition     string      `json:"condition,omitempty"`      // expr expression; false skips the step at promotion
	MaxRetries    int         `json:"max_retries,omitempty"`    // default DefaultMaxRetries
	Loop          *LoopConfig `json:"loop,omitempty"`           // required for loop steps
}

// StepType enumerates the kinds of steps in a pipeline.
type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeLoop   StepType = "loop"
)

// LoopConfig is the per-item iteration configuration of a loop step.
type LoopConfig struct {
	Source     string `json:"source"`                // iteration source; only "stories" is supported
	VerifyStep string `json:"verify_step,omitempty"` // logical id of the paired verification step
	VerifyEach bool   `json:"verify_each,omitempty"` // route every item through the verification step
}

// DefaultMaxRetries applies when a step definition leaves max_retries unset.
const DefaultMaxRetries = 2

// MaxStoriesPerBlock caps how many stories one STORIES_JSON block may create.
const MaxStoriesPerBlock = 20

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepStatusWaiting StepStatus = "waiting"
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
)

// Terminal reports whether the step status permits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusDone || s == StepStatusFailed
}

// StoryStatus is the lifecycle state of a loop iteration item.
type StoryStatus string

const (
	StoryStatusPending StoryStatus = "pending"
	StoryStatusRunning StoryStatus = "running"
	StoryStatusDone    StoryStatus = "done"
	StoryStatusFailed  StoryStatus = "failed"
)

// Validate checks a pipeline definition for structural correctness:
// at least one step, unique non-empty names, workers assigned, and loop
// steps carrying a loop configuration with a supported source.
func (d *PipelineDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return NewError(ErrCodeValidation, "pipeline has no steps")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return NewError(ErrCodeValidation, "step with empty name")
		}
		if _, dup := seen[s.Name]; dup {
			return NewErrorf(ErrCodeValidation, "duplicate step name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Worker == "" {
			return NewErrorf(ErrCodeValidation, "step %q has no worker", s.Name).WithStep(s.Name)
		}
		switch s.Type {
		case "", StepTypeSingle:
		case StepTypeLoop:
			if s.Loop == nil {
				return NewErrorf(ErrCodeValidation, "loop step %q has no loop config", s.Name).WithStep(s.Name)
			}
			if s.Loop.Source != "stories" {
				return NewErrorf(ErrCodeValidation, "loop step %q: unsupported source %q", s.Name, s.Loop.Source).WithStep(s.Name)
			}
		default:
			return NewErrorf(ErrCodeValidation, "step %q: unknown type %q", s.Name, s.Type).WithStep(s.Name)
		}
	}
	// Verification step references must resolve within the pipeline.
	for _, s := range d.Steps {
		if s.Loop != nil && s.Loop.VerifyStep != "" {
			if _, ok := seen[s.Loop.VerifyStep]; !ok {
				return NewErrorf(ErrCodeValidation, "loop step %q: verify_step %q not found", s.Name, s.Loop.VerifyStep).WithStep(s.Name)
			}
		}
	}
	return nil
}
