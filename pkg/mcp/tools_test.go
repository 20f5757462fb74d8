package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpoisson2/test-chatkit-sub001/internal/engine"
	"github.com/fpoisson2/test-chatkit-sub001/internal/graph"
	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	runs        []*store.Run
	events      map[string][]*store.Event
	suspensions map[string]*store.Suspension
}

func newMockStore() *mockStore {
	return &mockStore{
		events:      make(map[string][]*store.Event),
		suspensions: make(map[string]*store.Suspension),
	}
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	for _, run := range m.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrKindNotFound, "run %q not found", id)
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	result := make([]*store.Run, 0)
	for _, run := range m.runs {
		if filter.ThreadID != "" && run.ThreadID != filter.ThreadID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		result = append(result, run)
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	return m.events[runID], nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return nil
}

func (m *mockStore) GetSuspension(_ context.Context, threadID string) (*store.Suspension, error) {
	if susp, ok := m.suspensions[threadID]; ok {
		return susp, nil
	}
	return nil, schema.NewErrorf(schema.ErrKindNotFound, "suspension %q not found", threadID)
}

func (m *mockStore) DeleteSuspension(_ context.Context, threadID string) error {
	delete(m.suspensions, threadID)
	return nil
}

// --- Mock Replayer ---

type mockReplayer struct {
	traces map[string]*store.StepTrace
	err    error
}

func (m *mockReplayer) Replay(_ context.Context, _ string) (map[string]*store.StepTrace, error) {
	return m.traces, m.err
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func newTestServer(t *testing.T, ms *mockStore) *FlowServer {
	t.Helper()
	normalizer, err := graph.NewNormalizer()
	require.NoError(t, err)
	engines, err := engine.NewEngines()
	require.NoError(t, err)
	orch := engine.NewOrchestrator(ms, engine.NewWidgetWaiterRegistry(), engines, nil, nil, nil, engine.Config{})
	return NewFlowServer(FlowServerDeps{
		Orchestrator: orch,
		Store:        ms,
		Normalizer:   normalizer,
	})
}

// --- Tests ---

func TestValidateTool_ValidGraph(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.validate", map[string]any{
		"graph": map[string]any{
			"nodes": []any{
				map[string]any{"slug": "start", "kind": "start"},
				map[string]any{"slug": "end", "kind": "end"},
			},
			"edges": []any{
				map[string]any{"source": "start", "target": "end"},
			},
		},
	})

	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var check graph.GraphCheck
	unmarshalResult(t, result, &check)
	assert.True(t, check.Valid)
	require.NotNil(t, check.Normalized)
	assert.Len(t, check.Normalized.Steps, 2)
}

func TestValidateTool_InvalidGraphReportsBatch(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.validate", map[string]any{
		"graph": map[string]any{
			"nodes": []any{
				map[string]any{"slug": "lonely", "kind": "agent"},
			},
			"edges": []any{
				map[string]any{"source": "lonely", "target": "missing"},
			},
		},
	})

	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var check graph.GraphCheck
	unmarshalResult(t, result, &check)
	assert.False(t, check.Valid)
	assert.NotEmpty(t, check.Errors)
	assert.Nil(t, check.Normalized)
}

func TestValidateTool_MissingGraph(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.validate", map[string]any{})

	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSignalTool_ConsumesDurableSuspension(t *testing.T) {
	ms := newMockStore()
	ms.suspensions["thread-1"] = &store.Suspension{
		ThreadID: "thread-1", RunID: "run-1", StepSlug: "ask",
		WidgetSlug: "confirm", WidgetItemID: "item-1",
	}
	s := newTestServer(t, ms)
	req := buildRequest("flowd.signal", map[string]any{
		"thread_id":      "thread-1",
		"widget_slug":    "confirm",
		"widget_item_id": "item-1",
		"payload":        map[string]any{"choice": "yes"},
	})

	result, err := s.handleSignal(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		OK     bool                `json:"ok"`
		Resume *schema.ResumeToken `json:"resume"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.OK)
	require.NotNil(t, out.Resume)
	assert.Equal(t, "ask", out.Resume.StepSlug)
	assert.Empty(t, ms.suspensions)
}

func TestSignalTool_NoWaiter(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.signal", map[string]any{"thread_id": "thread-1"})

	result, err := s.handleSignal(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		OK bool `json:"ok"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.OK)
}

func TestSignalTool_MissingThreadID(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.signal", map[string]any{})

	result, err := s.handleSignal(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool_ReportsRun(t *testing.T) {
	ms := newMockStore()
	summary, _ := json.Marshal(map[string]any{"final_node_slug": "end"})
	ms.runs = []*store.Run{{
		ID: "run-1", ThreadID: "thread-1",
		Status: schema.RunStatusCompleted, FinalNodeSlug: "end",
		Summary: summary,
	}}
	s := newTestServer(t, ms)
	req := buildRequest("flowd.status", map[string]any{"run_id": "run-1"})

	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "run-1", out["run_id"])
	assert.Equal(t, string(schema.RunStatusCompleted), out["status"])
	assert.Equal(t, "end", out["final_node_slug"])
	assert.Contains(t, out, "summary")
}

func TestStatusTool_IncludesReplayedTraces(t *testing.T) {
	ms := newMockStore()
	ms.runs = []*store.Run{{ID: "run-1", Status: schema.RunStatusActive}}
	normalizer, err := graph.NewNormalizer()
	require.NoError(t, err)
	started := time.Now().UTC()
	s := NewFlowServer(FlowServerDeps{
		Store:      ms,
		Normalizer: normalizer,
		Replayer: &mockReplayer{traces: map[string]*store.StepTrace{
			"greet": {StepSlug: "greet", Status: schema.StepRunCompleted, StartedAt: &started},
		}},
	})
	req := buildRequest("flowd.status", map[string]any{"run_id": "run-1"})

	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)

	var out struct {
		Steps map[string]*store.StepTrace `json:"steps"`
	}
	unmarshalResult(t, result, &out)
	require.Contains(t, out.Steps, "greet")
	assert.Equal(t, schema.StepRunCompleted, out.Steps["greet"].Status)
}

func TestStatusTool_UnknownRun(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.status", map[string]any{"run_id": "ghost"})

	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool_FiltersRunsByThread(t *testing.T) {
	ms := newMockStore()
	ms.runs = []*store.Run{
		{ID: "run-1", ThreadID: "thread-1", Status: schema.RunStatusCompleted},
		{ID: "run-2", ThreadID: "thread-2", Status: schema.RunStatusFailed},
	}
	s := newTestServer(t, ms)
	req := buildRequest("flowd.query", map[string]any{
		"resource":  "runs",
		"thread_id": "thread-1",
	})

	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)

	var out struct {
		Runs []map[string]any `json:"runs"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "run-1", out.Runs[0]["run_id"])
}

func TestQueryTool_EventsRequireRunID(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.query", map[string]any{"resource": "events"})

	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool_ListsEvents(t *testing.T) {
	ms := newMockStore()
	ms.events["run-1"] = []*store.Event{
		{RunID: "run-1", Type: schema.EventRunStarted, Sequence: 1},
		{RunID: "run-1", Type: schema.EventRunCompleted, Sequence: 2},
	}
	s := newTestServer(t, ms)
	req := buildRequest("flowd.query", map[string]any{
		"resource": "events",
		"run_id":   "run-1",
	})

	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)

	var out struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Events, 2)
	assert.Equal(t, schema.EventRunStarted, out.Events[0].Type)
}

func TestQueryTool_UnsupportedResource(t *testing.T) {
	s := newTestServer(t, newMockStore())
	req := buildRequest("flowd.query", map[string]any{"resource": "widgets"})

	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
