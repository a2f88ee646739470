package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/toolpay/internal/usdc"
)

const (
	testAgent = "0xa1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0"
	testChain = "base-sepolia"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, nil), store
}

func TestCreditAndGetBalance(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "10.500000", "0xproof1"))

	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)
	assert.Equal(t, "10.500000", bal.Available)
	assert.Equal(t, "10.500000", bal.TotalIn)
	assert.Equal(t, "0.000000", bal.TotalOut)
}

func TestCredit_Idempotent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "5.000000", "0xproof1"))

	err := l.Credit(ctx, testAgent, testChain, "5.000000", "0xproof1")
	assert.ErrorIs(t, err, ErrDuplicateCredit)

	// The replay must not have mutated the balance.
	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)
	assert.Equal(t, "5.000000", bal.Available)
	assert.Equal(t, "5.000000", bal.TotalIn)
}

func TestCredit_RequiresProofID(t *testing.T) {
	l, _ := newTestLedger()
	err := l.Credit(context.Background(), testAgent, testChain, "1.000000", "")
	assert.Error(t, err)
}

func TestCredit_InvalidAmount(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	for _, amount := range []string{"", "0", "-1.000000", "abc", "1.2.3"} {
		err := l.Credit(ctx, testAgent, testChain, amount, "0xproof_"+amount)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
}

func TestCheckAndReserve(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "1.000000", "0xproof1"))

	ok, available, err := l.CheckAndReserve(ctx, testAgent, testChain, "0.500000")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1.000000", available)

	// Admission never decrements the balance.
	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)
	assert.Equal(t, "1.000000", bal.Available)

	// Exact amount still admits.
	ok, _, err = l.CheckAndReserve(ctx, testAgent, testChain, "1.000000")
	require.NoError(t, err)
	assert.True(t, ok)

	// One unit over does not.
	ok, available, err = l.CheckAndReserve(ctx, testAgent, testChain, "1.000001")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "1.000000", available)
}

func TestCheckAndReserve_UnknownAgent(t *testing.T) {
	l, _ := newTestLedger()

	ok, available, err := l.CheckAndReserve(context.Background(), testAgent, testChain, "0.010000")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "0.000000", available)
}

func TestDebit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "10.000000", "0xproof1"))
	require.NoError(t, l.Debit(ctx, testAgent, testChain, "3.250000", "batch_1"))

	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)
	assert.Equal(t, "6.750000", bal.Available)
	assert.Equal(t, "10.000000", bal.TotalIn)
	assert.Equal(t, "3.250000", bal.TotalOut)
}

func TestDebit_InvariantViolation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "1.000000", "0xproof1"))

	err := l.Debit(ctx, testAgent, testChain, "2.000000", "batch_1")
	assert.ErrorIs(t, err, ErrInvariantViolation)

	// The failed debit must leave the balance untouched.
	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)
	assert.Equal(t, "1.000000", bal.Available)
	assert.Equal(t, "0.000000", bal.TotalOut)
}

func TestRollbackCredit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "10.000000", "0xproof1"))
	require.NoError(t, l.Debit(ctx, testAgent, testChain, "4.000000", "batch_1"))
	require.NoError(t, l.RollbackCredit(ctx, testAgent, testChain, "4.000000", "batch_1"))

	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)
	assert.Equal(t, "10.000000", bal.Available)
	assert.Equal(t, "10.000000", bal.TotalIn)
	assert.Equal(t, "0.000000", bal.TotalOut)
}

func TestBalances_IsolatedPerChain(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, "base-sepolia", "5.000000", "0xproof1"))
	require.NoError(t, l.Credit(ctx, testAgent, "arbitrum-sepolia", "7.000000", "0xproof2"))

	bal, err := l.GetBalance(ctx, testAgent, "base-sepolia")
	require.NoError(t, err)
	assert.Equal(t, "5.000000", bal.Available)

	bal, err = l.GetBalance(ctx, testAgent, "arbitrum-sepolia")
	require.NoError(t, err)
	assert.Equal(t, "7.000000", bal.Available)
}

func TestAddressNormalization(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	upper := "0xA1B2C3D4E5F6A7B8C9D0E1F2A3B4C5D6E7F8A9B0"
	require.NoError(t, l.Credit(ctx, upper, testChain, "2.000000", "0xproof1"))

	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)
	assert.Equal(t, "2.000000", bal.Available)
}

func TestHistory(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "10.000000", "0xproof1"))
	require.NoError(t, l.Debit(ctx, testAgent, testChain, "2.000000", "batch_1"))
	require.NoError(t, l.RollbackCredit(ctx, testAgent, testChain, "2.000000", "batch_1"))

	entries, err := l.History(ctx, testAgent, testChain, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, EntryRollback, entries[0].Type)
	assert.Equal(t, EntryDebit, entries[1].Type)
	assert.Equal(t, EntryCredit, entries[2].Type)
	assert.Equal(t, "batch_1", entries[1].Reference)
}

func TestHistory_Limit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Credit(ctx, testAgent, testChain, "1.000000", fmt.Sprintf("0xproof%d", i)))
	}

	entries, err := l.History(ctx, testAgent, testChain, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHasCredit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	has, err := l.HasCredit(ctx, "0xproof1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "1.000000", "0xproof1"))

	has, err = l.HasCredit(ctx, "0xproof1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHasDebit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, testAgent, testChain, "10.000000", "0xproof1"))

	has, err := l.HasDebit(ctx, "batch_1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, l.Debit(ctx, testAgent, testChain, "4.000000", "batch_1"))

	has, err = l.HasDebit(ctx, "batch_1")
	require.NoError(t, err)
	assert.True(t, has)

	// Rolling the debit back does not erase the debit entry.
	require.NoError(t, l.RollbackCredit(ctx, testAgent, testChain, "4.000000", "batch_1"))
	has, err = l.HasDebit(ctx, "batch_1")
	require.NoError(t, err)
	assert.True(t, has)
}

// TestConcurrentMutations hammers one balance from many goroutines and then
// replays the mutation log to prove the final balance matches and the running
// balance never went negative.
func TestConcurrentMutations(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	// Seed enough that most debits succeed.
	require.NoError(t, l.Credit(ctx, testAgent, testChain, "100.000000", "0xseed"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.Credit(ctx, testAgent, testChain, "1.000000", fmt.Sprintf("0xproof%d", n))
		}(i)
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.Debit(ctx, testAgent, testChain, "2.000000", fmt.Sprintf("batch_%d", n))
		}(i)
	}
	wg.Wait()

	bal, err := l.GetBalance(ctx, testAgent, testChain)
	require.NoError(t, err)

	running := new(big.Int)
	for _, e := range store.AllEntries() {
		amount, ok := usdc.Parse(e.Amount)
		require.True(t, ok)
		switch e.Type {
		case EntryCredit, EntryRollback:
			running.Add(running, amount)
		case EntryDebit:
			running.Sub(running, amount)
		}
		assert.True(t, running.Sign() >= 0, "running balance went negative at entry %s", e.ID)
	}
	assert.Equal(t, usdc.Format(running), bal.Available)
}
