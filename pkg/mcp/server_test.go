package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCrewlineServer(t *testing.T) {
	s := NewCrewlineServer(CrewlineServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewCrewlineServer(CrewlineServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"crewline.create_run",
		"crewline.claim",
		"crewline.complete",
		"crewline.fail",
		"crewline.status",
		"crewline.stories",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"create_run", "crewline.create_run", "Start a pipeline run from a pipeline definition"},
		{"status", "crewline.status", "Get a run with its full step sequence"},
		{"stories", "crewline.stories", "List a run's stories in sequence order"},
	}

	s := NewCrewlineServer(CrewlineServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
