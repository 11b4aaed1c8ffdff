package sessionkeys

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory session key store for demo/development mode.
// The composite methods hold the lock across both writes, which gives the
// same atomicity the Postgres transactions do.
type MemoryStore struct {
	keys   map[string]*SessionKey
	events []*SessionEvent
	txs    map[string][]*SessionTransaction // sessionKeyID → transactions
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory session key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*SessionKey),
		txs:  make(map[string][]*SessionTransaction),
	}
}

func copyKey(k *SessionKey) *SessionKey {
	cp := *k
	cp.Permissions = make([]Permission, len(k.Permissions))
	for i, p := range k.Permissions {
		pc := p
		pc.AllowedContracts = append([]string(nil), p.AllowedContracts...)
		cp.Permissions[i] = pc
	}
	return &cp
}

func copyEvent(e *SessionEvent) *SessionEvent {
	cp := *e
	if e.EventData != nil {
		cp.EventData = make(map[string]any, len(e.EventData))
		for k, v := range e.EventData {
			cp.EventData[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) CreateWithEvent(_ context.Context, key *SessionKey, event *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[key.ID] = copyKey(key)
	m.events = append(m.events, copyEvent(event))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SessionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(k), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, status Status) ([]*SessionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionKey
	for _, k := range m.keys {
		if k.UserID != userID {
			continue
		}
		if status != "" && k.Status != status {
			continue
		}
		result = append(result, copyKey(k))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*SessionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionKey
	for _, k := range m.keys {
		if k.Status == status {
			result = append(result, copyKey(k))
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

func (m *MemoryStore) ListActiveExpired(_ context.Context, now time.Time, limit int) ([]*SessionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionKey
	for _, k := range m.keys {
		if k.Status == StatusActive && k.ValidUntil.Before(now) {
			result = append(result, copyKey(k))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, status Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, k := range m.keys {
		if k.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) UpdateUsageWithEvent(_ context.Context, key *SessionKey, event *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	m.keys[key.ID] = copyKey(key)
	if event != nil {
		m.events = append(m.events, copyEvent(event))
	}
	return nil
}

func (m *MemoryStore) TransitionStatusWithEvent(_ context.Context, id string, to Status, event *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Status = to
	if to == StatusRevoked && k.RevokedAt == nil {
		now := event.CreatedAt
		k.RevokedAt = &now
	}
	if event != nil {
		m.events = append(m.events, copyEvent(event))
	}
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, copyEvent(event))
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, sessionKeyID string, limit int) ([]*SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionEvent
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		if m.events[i].SessionKeyID == sessionKeyID {
			result = append(result, copyEvent(m.events[i]))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEventsByType(_ context.Context, eventType EventType, since time.Time, limit int) ([]*SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionEvent
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.events[i]
		if e.EventType == eventType && !e.CreatedAt.Before(since) {
			result = append(result, copyEvent(e))
		}
	}
	return result, nil
}

func (m *MemoryStore) CountEvents(_ context.Context, sessionKeyID string, eventType EventType) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.events {
		if e.SessionKeyID == sessionKeyID && e.EventType == eventType {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *SessionTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.txs[tx.SessionKeyID] = append(m.txs[tx.SessionKeyID], &cp)
	return nil
}

func (m *MemoryStore) ListTransactionsSince(_ context.Context, sessionKeyID string, since time.Time) ([]*SessionTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionTransaction
	list := m.txs[sessionKeyID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].CreatedAt.Before(since) {
			cp := *list[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
