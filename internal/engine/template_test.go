package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTemplate(t *testing.T) {
	runCtx := map[string]string{
		"task":   "build the parser",
		"branch": "main",
	}

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{"simple substitution", "Work on {{task}}", "Work on build the parser"},
		{"multiple keys", "{{task}} on {{branch}}", "build the parser on main"},
		{"case insensitive key", "Work on {{TASK}}", "Work on build the parser"},
		{"whitespace inside braces", "Work on {{ task }}", "Work on build the parser"},
		{"missing key marker", "Check {{undefined_key}}", "Check [missing: undefined_key]"},
		{"no placeholders", "plain text", "plain text"},
		{"empty template", "", ""},
		{"unclosed placeholder verbatim", "Work on {{task", "Work on {{task"},
		{"adjacent placeholders", "{{task}}{{branch}}", "build the parsermain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveTemplate(tt.tpl, runCtx))
		})
	}
}

func TestResolveTemplate_EmptyContext(t *testing.T) {
	got := ResolveTemplate("do {{task}}", map[string]string{})
	assert.Equal(t, "do [missing: task]", got)
}

func TestResolveTemplate_ValueWithPlaceholderSyntax(t *testing.T) {
	// Substituted values are not re-scanned.
	got := ResolveTemplate("{{a}}", map[string]string{"a": "{{b}}", "b": "x"})
	assert.Equal(t, "{{b}}", got)
}
