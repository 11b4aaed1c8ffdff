package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemorySnapshotStore is an in-memory snapshot store for demo/development
// mode. Snapshots are deep-copied through JSON so callers cannot mutate
// stored traces.
type MemorySnapshotStore struct {
	snaps map[string]*Snapshot
	mu    sync.RWMutex
}

// NewMemorySnapshotStore creates a new in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*Snapshot)}
}

func copySnapshot(s *Snapshot) *Snapshot {
	data, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var cp Snapshot
	if err := json.Unmarshal(data, &cp); err != nil {
		fallback := *s
		return &fallback
	}
	return &cp
}

func (m *MemorySnapshotStore) Create(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snaps[snap.ID] = copySnapshot(snap)
	return nil
}

func (m *MemorySnapshotStore) Get(_ context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snaps[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return copySnapshot(s), nil
}

func (m *MemorySnapshotStore) List(_ context.Context, limit int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		result = append(result, copySnapshot(s))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemorySnapshotStore implements SnapshotStore.
var _ SnapshotStore = (*MemorySnapshotStore)(nil)
