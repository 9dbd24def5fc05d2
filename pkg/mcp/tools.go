package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crewline/crewline/pkg/schema"
)

// handleCreateRun materializes a run from a pipeline definition.
func (s *CrewlineServer) handleCreateRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError("task is required"), nil
	}
	raw := mcp.ParseStringMap(req, "pipeline", nil)
	if raw == nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}

	// Marshal then unmarshal to get a typed PipelineDefinition.
	data, marshalErr := json.Marshal(raw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline: %v", marshalErr)), nil
	}
	var def schema.PipelineDefinition
	if unmarshalErr := json.Unmarshal(data, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline: %v", unmarshalErr)), nil
	}

	runID, createErr := s.engine.CreateRun(ctx, &def, task)
	if createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create run: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":      runID,
		"pipeline_id": def.ID,
	})
}

// handleClaim polls for pending work for a worker identity.
func (s *CrewlineServer) handleClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	worker, err := req.RequireString("worker")
	if err != nil {
		return mcp.NewToolResultError("worker is required"), nil
	}

	result, claimErr := s.engine.Claim(ctx, worker)
	if claimErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("claim failed: %v", claimErr)), nil
	}
	return marshalResult(result)
}

// handleComplete records a worker's successful output for a step.
func (s *CrewlineServer) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	output, err := req.RequireString("output")
	if err != nil {
		return mcp.NewToolResultError("output is required"), nil
	}

	result, completeErr := s.engine.Complete(ctx, stepID, output)
	if completeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("complete failed: %v", completeErr)), nil
	}
	return marshalResult(result)
}

// handleFail records a worker's failed attempt on a step.
func (s *CrewlineServer) handleFail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	errText, err := req.RequireString("error")
	if err != nil {
		return mcp.NewToolResultError("error is required"), nil
	}

	result, failErr := s.engine.Fail(ctx, stepID, errText)
	if failErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fail report failed: %v", failErr)), nil
	}
	return marshalResult(result)
}

// handleStatus returns the run with its full step sequence.
func (s *CrewlineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	view, statusErr := s.engine.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(view)
}

// handleStories lists a run's stories.
func (s *CrewlineServer) handleStories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	stories, listErr := s.engine.ListStories(ctx, runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stories query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"stories": stories})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
