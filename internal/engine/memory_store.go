package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/mbirch/weft/internal/workflow"
)

// MemoryStore is an in-memory execution store for demo/development mode.
type MemoryStore struct {
	workflows map[string]*workflow.Workflow
	execs     map[string]*Execution
	nodes     map[string][]*NodeExecution // executionID → node executions
	logs      map[string][]*LogEntry      // executionID → log lines
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*workflow.Workflow),
		execs:     make(map[string]*Execution),
		nodes:     make(map[string][]*NodeExecution),
		logs:      make(map[string][]*LogEntry),
	}
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, w *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	cp.Nodes = append([]workflow.Node(nil), w.Nodes...)
	cp.Edges = append([]workflow.Edge(nil), w.Edges...)
	m.workflows[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	cp := *w
	cp.Nodes = append([]workflow.Node(nil), w.Nodes...)
	cp.Edges = append([]workflow.Edge(nil), w.Edges...)
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, limit int) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Workflow
	for _, w := range m.workflows {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateExecution(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.execs[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	// Return a copy to prevent races on the shared pointer
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.execs[e.ID]; !ok {
		return ErrExecutionNotFound
	}
	cp := *e
	m.execs[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListExecutionsByStatus(_ context.Context, status Status, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Execution
	for _, e := range m.execs {
		if e.Status == status {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExecutionsByWorkflow(_ context.Context, workflowID string, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Execution
	for _, e := range m.execs {
		if e.WorkflowID == workflowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpsertNodeExecution(_ context.Context, ne *NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ne
	list := m.nodes[ne.ExecutionID]
	for i, existing := range list {
		if existing.NodeID == ne.NodeID {
			cp.ID = existing.ID
			list[i] = &cp
			return nil
		}
	}
	m.nodes[ne.ExecutionID] = append(list, &cp)
	return nil
}

func (m *MemoryStore) ListNodeExecutions(_ context.Context, executionID string) ([]*NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.nodes[executionID]
	result := make([]*NodeExecution, len(list))
	for i, ne := range list {
		cp := *ne
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.logs[entry.ExecutionID] = append(m.logs[entry.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, executionID string, limit int) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := m.logs[executionID]
	if len(logs) > limit {
		logs = logs[:limit]
	}
	result := make([]*LogEntry, len(logs))
	for i, l := range logs {
		cp := *l
		result[i] = &cp
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
