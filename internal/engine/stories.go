package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/crewline/crewline/pkg/schema"
)

// storyBlockSchemaJSON is the JSON Schema for STORIES_JSON blocks.
// Embedded as a constant to avoid filesystem dependencies.
const storyBlockSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://crewline.dev/schemas/stories.json",
  "type": "array",
  "minItems": 1,
  "maxItems": 20,
  "items": {
    "type": "object",
    "required": ["id", "title", "description", "acceptance_criteria"],
    "properties": {
      "id": { "type": "string", "minLength": 1 },
      "title": { "type": "string", "minLength": 1 },
      "description": { "type": "string", "minLength": 1 },
      "acceptance_criteria": {
        "type": "array",
        "minItems": 1,
        "items": { "type": "string", "minLength": 1 }
      }
    },
    "additionalProperties": false
  }
}`

// StoryInput is one entry of a parsed STORIES_JSON block.
type StoryInput struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// StoryParser validates and decodes STORIES_JSON blocks.
// Safe for concurrent use once constructed.
type StoryParser struct {
	schema *jsonschema.Schema
}

// NewStoryParser compiles the story block schema.
func NewStoryParser() (*StoryParser, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(storyBlockSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal story schema: %w", err)
	}
	if err := c.AddResource("https://crewline.dev/schemas/stories.json", doc); err != nil {
		return nil, fmt.Errorf("add story schema resource: %w", err)
	}
	compiled, err := c.Compile("https://crewline.dev/schemas/stories.json")
	if err != nil {
		return nil, fmt.Errorf("compile story schema: %w", err)
	}
	return &StoryParser{schema: compiled}, nil
}

// Parse validates a STORIES_JSON block and returns its entries. Duplicate ids
// within the block are rejected here; duplicates against already-persisted
// stories are the engine's concern.
func (p *StoryParser) Parse(blockJSON string) ([]StoryInput, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(blockJSON))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "STORIES_JSON is not valid JSON").WithCause(err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, toValidationError(err)
	}

	var inputs []StoryInput
	if err := json.Unmarshal([]byte(blockJSON), &inputs); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode STORIES_JSON").WithCause(err)
	}

	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		if _, dup := seen[in.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate story id %q in STORIES_JSON", in.ID)
		}
		seen[in.ID] = struct{}{}
	}

	return inputs, nil
}

// toValidationError converts a jsonschema.ValidationError into a CrewError
// with leaf violation messages collected for worker-facing reporting.
func toValidationError(err error) *schema.CrewError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "STORIES_JSON failed validation with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
