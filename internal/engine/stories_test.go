package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/schema"
)

func newTestParser(t *testing.T) *StoryParser {
	t.Helper()
	p, err := NewStoryParser()
	require.NoError(t, err)
	return p
}

func validStoryJSON(id string) string {
	return fmt.Sprintf(`{"id": %q, "title": "t", "description": "d", "acceptance_criteria": ["c"]}`, id)
}

func TestStoryParser_Valid(t *testing.T) {
	p := newTestParser(t)
	block := "[" + validStoryJSON("S1") + "," + validStoryJSON("S2") + "]"

	inputs, err := p.Parse(block)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "S1", inputs[0].ID)
	assert.Equal(t, []string{"c"}, inputs[0].AcceptanceCriteria)
}

func TestStoryParser_NotJSON(t *testing.T) {
	p := newTestParser(t)
	_, err := p.Parse("not json at all")
	require.Error(t, err)
	crewErr, ok := err.(*schema.CrewError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, crewErr.Code)
}

func TestStoryParser_SchemaViolations(t *testing.T) {
	p := newTestParser(t)

	tests := []struct {
		name  string
		block string
	}{
		{"not an array", `{"id": "S1"}`},
		{"empty array", `[]`},
		{"missing id", `[{"title": "t", "description": "d", "acceptance_criteria": ["c"]}]`},
		{"empty title", `[{"id": "S1", "title": "", "description": "d", "acceptance_criteria": ["c"]}]`},
		{"empty criteria list", `[{"id": "S1", "title": "t", "description": "d", "acceptance_criteria": []}]`},
		{"empty criterion", `[{"id": "S1", "title": "t", "description": "d", "acceptance_criteria": [""]}]`},
		{"unknown field", `[{"id": "S1", "title": "t", "description": "d", "acceptance_criteria": ["c"], "extra": 1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.block)
			require.Error(t, err)
			crewErr, ok := err.(*schema.CrewError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, crewErr.Code)
		})
	}
}

func TestStoryParser_TooManyStories(t *testing.T) {
	p := newTestParser(t)

	entries := make([]string, 0, schema.MaxStoriesPerBlock+1)
	for i := 0; i <= schema.MaxStoriesPerBlock; i++ {
		entries = append(entries, validStoryJSON(fmt.Sprintf("S%d", i)))
	}
	_, err := p.Parse("[" + strings.Join(entries, ",") + "]")
	require.Error(t, err)

	// Exactly the cap is fine.
	_, err = p.Parse("[" + strings.Join(entries[:schema.MaxStoriesPerBlock], ",") + "]")
	require.NoError(t, err)
}

func TestStoryParser_DuplicateIDsInBlock(t *testing.T) {
	p := newTestParser(t)
	block := "[" + validStoryJSON("S1") + "," + validStoryJSON("S1") + "]"
	_, err := p.Parse(block)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate story id")
}

func TestStoryParser_ViolationDetails(t *testing.T) {
	p := newTestParser(t)
	_, err := p.Parse(`[{"id": "", "title": "", "description": "d", "acceptance_criteria": ["c"]}]`)
	require.Error(t, err)
	crewErr, ok := err.(*schema.CrewError)
	require.True(t, ok)
	require.NotNil(t, crewErr.Details)

	raw, marshalErr := json.Marshal(crewErr.Details["violations"])
	require.NoError(t, marshalErr)
	assert.Contains(t, string(raw), "/0")
}
