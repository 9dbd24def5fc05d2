package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkerOutput_ContextLines(t *testing.T) {
	output := "I did the work.\n" +
		"BRANCH: feature/parser\n" +
		"STATUS: ok\n" +
		"not a key line\n" +
		"lowercase: ignored\n" +
		"HTTP2_SUPPORT: yes\n"

	kv, stories := ParseWorkerOutput(output)
	assert.Empty(t, stories)
	assert.Equal(t, map[string]string{
		"branch":        "feature/parser",
		"status":        "ok",
		"http2_support": "yes",
	}, kv)
}

func TestParseWorkerOutput_LastWriteWins(t *testing.T) {
	kv, _ := ParseWorkerOutput("STATUS: first\nSTATUS: second")
	assert.Equal(t, "second", kv["status"])
}

func TestParseWorkerOutput_StoriesBlock(t *testing.T) {
	output := "Planning done.\n" +
		"COUNT: 2\n" +
		"STORIES_JSON: [\n" +
		`  {"id": "S1", "title": "a", "description": "d", "acceptance_criteria": ["c"]},` + "\n" +
		`  {"id": "S2", "title": "b", "description": "d", "acceptance_criteria": ["c"]}` + "\n" +
		"]\n" +
		"AFTER: yes\n"

	kv, stories := ParseWorkerOutput(output)
	assert.Equal(t, "2", kv["count"])
	assert.Equal(t, "yes", kv["after"])
	assert.Contains(t, stories, `"id": "S1"`)
	assert.Contains(t, stories, `"id": "S2"`)

	// Lines inside the block must not leak into the context scan even when
	// they look like KEY: value lines.
	_, hasID := kv["id"]
	assert.False(t, hasID)
}

func TestParseWorkerOutput_StoriesSingleLine(t *testing.T) {
	output := `STORIES_JSON: [{"id": "S1", "title": "a", "description": "d", "acceptance_criteria": ["c"]}]`
	_, stories := ParseWorkerOutput(output)
	require.NotEmpty(t, stories)
	assert.Equal(t, byte('['), stories[0])
	assert.Equal(t, byte(']'), stories[len(stories)-1])
}

func TestParseWorkerOutput_BracketsInsideStrings(t *testing.T) {
	output := "STORIES_JSON: [\n" +
		`  {"id": "S1", "title": "arrays [] in title", "description": "d]", "acceptance_criteria": ["c["]}` + "\n" +
		"]"
	_, stories := ParseWorkerOutput(output)
	assert.Contains(t, stories, "arrays [] in title")
	assert.Equal(t, byte(']'), stories[len(stories)-1])
}

func TestParseWorkerOutput_UnterminatedStories(t *testing.T) {
	output := "STORIES_JSON: [\n" + `  {"id": "S1"`
	_, stories := ParseWorkerOutput(output)
	// Collected as-is; schema validation rejects it downstream.
	assert.Contains(t, stories, `"id": "S1"`)
}

func TestParseWorkerOutput_Empty(t *testing.T) {
	kv, stories := ParseWorkerOutput("")
	assert.Empty(t, kv)
	assert.Empty(t, stories)
}
