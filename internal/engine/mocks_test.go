package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	mu          sync.Mutex
	threads     map[string]*store.Thread
	runs        map[string]*store.Run
	suspensions map[string]*store.Suspension
	events      map[string][]*store.Event
}

func newMemStore() *memStore {
	return &memStore{
		threads:     make(map[string]*store.Thread),
		runs:        make(map[string]*store.Run),
		suspensions: make(map[string]*store.Suspension),
		events:      make(map[string][]*store.Event),
	}
}

func notFound(resource, id string) error {
	return schema.NewErrorf(schema.ErrKindNotFound, "%s %q not found", resource, id)
}

func (m *memStore) UpsertThread(_ context.Context, th *store.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *th
	m.threads[th.ID] = &cp
	return nil
}

func (m *memStore) GetThread(_ context.Context, id string) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return nil, notFound("thread", id)
	}
	cp := *th
	return &cp, nil
}

func (m *memStore) SetThreadStatus(_ context.Context, id string, status schema.ThreadStatusType, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return notFound("thread", id)
	}
	th.Status = status
	th.StatusReason = reason
	return nil
}

func (m *memStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return notFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Summary != nil {
		run.Summary = update.Summary
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.FinalNodeSlug != "" {
		run.FinalNodeSlug = update.FinalNodeSlug
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *memStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, run := range m.runs {
		if filter.ThreadID != "" && run.ThreadID != filter.ThreadID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SaveSuspension(_ context.Context, susp *store.Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *susp
	m.suspensions[susp.ThreadID] = &cp
	return nil
}

func (m *memStore) GetSuspension(_ context.Context, threadID string) (*store.Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	susp, ok := m.suspensions[threadID]
	if !ok {
		return nil, notFound("suspension", threadID)
	}
	cp := *susp
	return &cp, nil
}

func (m *memStore) DeleteSuspension(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suspensions[threadID]; !ok {
		return notFound("suspension", threadID)
	}
	delete(m.suspensions, threadID)
	return nil
}

func (m *memStore) ListExpiredSuspensions(_ context.Context, before time.Time) ([]*store.Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Suspension
	for _, susp := range m.suspensions {
		if susp.ExpiresAt != nil && !susp.ExpiresAt.After(before) {
			cp := *susp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(m.events[event.RunID]) + 1)
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) eventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events[runID] {
		out = append(out, e.Type)
	}
	return out
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Vacuum(context.Context) error  { return nil }
func (m *memStore) Close() error                  { return nil }

var _ store.Store = (*memStore)(nil)

// mockAgent returns canned text, optionally streaming it first.
type mockAgent struct {
	mu         sync.Mutex
	text       string
	structured map[string]any
	deltas     []string
	err        error
	requests   []AgentRequest
}

func (a *mockAgent) Run(_ context.Context, req AgentRequest, onDelta func(string)) (*AgentResult, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if onDelta != nil {
		for _, d := range a.deltas {
			onDelta(d)
		}
	}
	return &AgentResult{Text: a.text, StructuredOutput: a.structured}, nil
}

// mockVectors records ingests and can be forced to fail.
type mockVectors struct {
	mu      sync.Mutex
	err     error
	ingests []string
}

func (v *mockVectors) Ingest(_ context.Context, storeSlug, docID string, _, _ map[string]any) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return "", v.err
	}
	v.ingests = append(v.ingests, storeSlug+"/"+docID)
	return "doc-" + docID, nil
}

// mockPhone records initiated calls.
type mockPhone struct {
	mu    sync.Mutex
	err   error
	calls []CallRequest
}

type mockCallSession struct {
	id      string
	status  string
	waitErr error
}

func (s *mockCallSession) CallID() string { return s.id }
func (s *mockCallSession) Status() string { return s.status }
func (s *mockCallSession) WaitUntilComplete(context.Context) error {
	return s.waitErr
}

func (p *mockPhone) InitiateCall(_ context.Context, req CallRequest) (CallSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls = append(p.calls, req)
	return &mockCallSession{id: "call-1", status: "completed"}, nil
}

func (p *mockPhone) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// mockWidgets resolves widget definitions from a fixed map.
type mockWidgets struct {
	defs map[string]map[string]any
}

func (w *mockWidgets) Resolve(_ context.Context, slug string) (map[string]any, error) {
	def, ok := w.defs[slug]
	if !ok {
		return nil, notFound("widget", slug)
	}
	return def, nil
}
