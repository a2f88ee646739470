package execution

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory execution record store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // creation order, for stable pending listing
}

// NewMemoryStore creates a new in-memory execution record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *record
	m.records[record.ID] = &cp
	m.order = append(m.order, record.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByAgent(ctx context.Context, agentAddr string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	// Newest first
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		r := m.records[m.order[i]]
		if r.AgentAddr == agentAddr || r.CounterpartyAddr == agentAddr {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, chain string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, id := range m.order {
		r := m.records[id]
		if r.Chain == chain && r.Status == StatusPending && r.BatchID == "" {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CountPending(ctx context.Context, chain string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.records {
		if r.Chain == chain && r.Status == StatusPending && r.BatchID == "" {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) AssignBatch(ctx context.Context, ids []string, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if r, ok := m.records[id]; ok && r.Status == StatusPending {
			r.BatchID = batchID
		}
	}
	return nil
}

func (m *MemoryStore) MarkSettled(ctx context.Context, ids []string, txHash, batchID string) error {
	return m.transition(ids, StatusSuccess, txHash, batchID)
}

func (m *MemoryStore) MarkFailed(ctx context.Context, ids []string, batchID string) error {
	return m.transition(ids, StatusFailed, "", batchID)
}

func (m *MemoryStore) transition(ids []string, to Status, txHash, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		r, ok := m.records[id]
		if !ok || r.Status != StatusPending {
			// Terminal records are never rewritten.
			continue
		}
		r.Status = to
		r.BatchID = batchID
		r.CompletedAt = &now
		if txHash != "" {
			r.TxHash = txHash
		}
	}
	return nil
}
