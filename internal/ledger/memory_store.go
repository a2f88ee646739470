package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/toolpay/internal/idgen"
	"github.com/mbd888/toolpay/internal/usdc"
)

// balanceKey is the composite (agent, chain) key. A struct key avoids the
// collision and parsing ambiguity of concatenated strings.
type balanceKey struct {
	agent string
	chain string
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[balanceKey]*Balance
	entries  []*Entry
	credits  map[string]bool // proofID → credited
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*Balance),
		credits:  make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

// balance returns the stored balance for (agent, chain), creating a zero
// balance on first sight. Caller must hold the lock.
func (m *MemoryStore) balance(agentAddr, chain string) *Balance {
	key := balanceKey{agentAddr, chain}
	bal, ok := m.balances[key]
	if !ok {
		bal = &Balance{
			AgentAddr: agentAddr,
			Chain:     chain,
			Available: "0.000000",
			TotalIn:   "0.000000",
			TotalOut:  "0.000000",
			UpdatedAt: time.Now(),
		}
		m.balances[key] = bal
	}
	return bal
}

func (m *MemoryStore) append(agentAddr, chain, entryType, amount, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("entry_"),
		AgentAddr: agentAddr,
		Chain:     chain,
		Type:      entryType,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, agentAddr, chain string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.balance(agentAddr, chain)
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, agentAddr, chain, amount, proofID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.credits[proofID] {
		return ErrDuplicateCredit
	}
	m.credits[proofID] = true

	bal := m.balance(agentAddr, chain)
	add, _ := usdc.Parse(amount)
	avail, _ := usdc.Parse(bal.Available)
	totalIn, _ := usdc.Parse(bal.TotalIn)

	bal.Available = usdc.Format(avail.Add(avail, add))
	bal.TotalIn = usdc.Format(totalIn.Add(totalIn, add))
	bal.UpdatedAt = time.Now()

	m.append(agentAddr, chain, EntryCredit, amount, proofID)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, agentAddr, chain, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(agentAddr, chain)
	sub, _ := usdc.Parse(amount)
	avail, _ := usdc.Parse(bal.Available)
	if avail.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	totalOut, _ := usdc.Parse(bal.TotalOut)
	bal.Available = usdc.Format(new(big.Int).Sub(avail, sub))
	bal.TotalOut = usdc.Format(totalOut.Add(totalOut, sub))
	bal.UpdatedAt = time.Now()

	m.append(agentAddr, chain, EntryDebit, amount, reference)
	return nil
}

func (m *MemoryStore) RollbackCredit(ctx context.Context, agentAddr, chain, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(agentAddr, chain)
	add, _ := usdc.Parse(amount)
	avail, _ := usdc.Parse(bal.Available)
	totalOut, _ := usdc.Parse(bal.TotalOut)

	bal.Available = usdc.Format(avail.Add(avail, add))
	// The rollback cancels the settlement debit in the lifetime totals too.
	bal.TotalOut = usdc.Format(new(big.Int).Sub(totalOut, add))
	bal.UpdatedAt = time.Now()

	m.append(agentAddr, chain, EntryRollback, amount, reference)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, agentAddr, chain string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	// Newest first
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.AgentAddr == agentAddr && e.Chain == chain {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasCredit(ctx context.Context, proofID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[proofID], nil
}

func (m *MemoryStore) HasDebit(ctx context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Type == EntryDebit && e.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

// AllEntries returns a copy of the full mutation log, oldest first.
// Used by audit tooling and the replay tests.
func (m *MemoryStore) AllEntries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}
