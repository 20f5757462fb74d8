package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fpoisson2/test-chatkit-sub001/internal/graph"
	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// handleValidate runs the full validation pipeline on a raw editor graph.
// Invalid graphs are a normal tool outcome, not a tool error: the caller
// gets the batch report either way.
func (s *FlowServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawMap := mcp.ParseStringMap(req, "graph", nil)
	if rawMap == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}

	rawBytes, err := json.Marshal(rawMap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	var raw graph.RawGraph
	if err := json.Unmarshal(rawBytes, &raw); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}

	check := s.normalizer.ValidateWorkflowGraph(&raw)
	return marshalResult(check)
}

// handleSignal delivers a widget action. A live waiter is woken in place; a
// durable suspension is consumed and its resume token returned so the caller
// can start the resume turn.
func (s *FlowServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	widgetSlug := req.GetString("widget_slug", "")
	widgetItemID := req.GetString("widget_item_id", "")
	payload := mcp.ParseStringMap(req, "payload", nil)

	woke, susp, sigErr := s.orchestrator.Signal(ctx, threadID, widgetSlug, widgetItemID, payload)
	if sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", sigErr)), nil
	}

	result := map[string]any{
		"ok":        woke,
		"thread_id": threadID,
	}
	if susp != nil {
		result["resume"] = susp.Token()
	}
	return marshalResult(result)
}

// handleStatus returns the stored run snapshot plus the step traces replayed
// from its event log.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}

	result := map[string]any{
		"run_id":          run.ID,
		"thread_id":       run.ThreadID,
		"status":          run.Status,
		"final_node_slug": run.FinalNodeSlug,
	}
	if len(run.Summary) > 0 {
		result["summary"] = json.RawMessage(run.Summary)
	}
	if len(run.Error) > 0 {
		result["error"] = json.RawMessage(run.Error)
	}
	if s.replayer != nil {
		traces, replayErr := s.replayer.Replay(ctx, runID)
		if replayErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event replay failed: %v", replayErr)), nil
		}
		result["steps"] = traces
	}
	return marshalResult(result)
}

// handleQuery lists runs or run events.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	switch resource {
	case "runs":
		filter := store.RunFilter{ThreadID: req.GetString("thread_id", "")}
		if status := req.GetString("status", ""); status != "" {
			rs := schema.RunStatus(status)
			filter.Status = &rs
		}
		runs, listErr := s.store.ListRuns(ctx, filter)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run query failed: %v", listErr)), nil
		}
		items := make([]map[string]any, 0, len(runs))
		for _, run := range runs {
			items = append(items, map[string]any{
				"run_id":          run.ID,
				"thread_id":       run.ThreadID,
				"status":          run.Status,
				"final_node_slug": run.FinalNodeSlug,
				"created_at":      run.CreatedAt,
			})
		}
		return marshalResult(map[string]any{"runs": items})

	case "events":
		runID := req.GetString("run_id", "")
		if runID == "" {
			return mcp.NewToolResultError("run_id is required when querying events"), nil
		}
		events, listErr := s.store.GetEvents(ctx, runID, 0)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"events": events})

	default:
		return mcp.NewToolResultError("unsupported resource"), nil
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
