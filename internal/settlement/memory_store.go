package settlement

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory settlement store for demo/development mode.
type MemoryStore struct {
	mu          sync.Mutex
	batches     map[string]*Batch
	batchOrder  []string
	submissions map[string]*Submission
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:     make(map[string]*Batch),
		submissions: make(map[string]*Submission),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	m.batches[b.ID] = &cp
	m.batchOrder = append(m.batchOrder, b.ID)
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBatches(ctx context.Context, chain string, limit int) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Batch
	// Newest first
	for i := len(m.batchOrder) - 1; i >= 0 && len(result) < limit; i-- {
		b := m.batches[m.batchOrder[i]]
		if chain != "" && b.Chain != chain {
			continue
		}
		cp := *b
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SaveSubmission(ctx context.Context, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.RecordIDs = append([]string(nil), s.RecordIDs...)
	cp.UpdatedAt = time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.submissions[s.BatchID] = &cp
	return nil
}

func (m *MemoryStore) ListSubmitting(ctx context.Context, chain string) ([]*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Submission
	for _, s := range m.submissions {
		if s.State == SubmissionSubmitting && s.Chain == chain {
			cp := *s
			cp.RecordIDs = append([]string(nil), s.RecordIDs...)
			result = append(result, &cp)
		}
	}
	// Oldest first
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CreatedAt.Before(result[i].CreatedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

// Submission returns a copy of the stored submission for a batch id, if any.
// Test helper.
func (m *MemoryStore) Submission(batchID string) (*Submission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[batchID]
	if !ok {
		return nil, false
	}
	cp := *s
	cp.RecordIDs = append([]string(nil), s.RecordIDs...)
	return &cp, true
}
