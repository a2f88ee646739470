package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/toolpay/internal/ledger"
	"github.com/mbd888/toolpay/internal/testutil"
)

const (
	pgAgent = "0xa1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0"
	pgChain = "base-sepolia"
)

func TestPostgresStore_CreditDebitCycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := ledger.NewPostgresStore(db)

	require.NoError(t, store.Credit(ctx, pgAgent, pgChain, "25.000000", "0xproof1"))
	require.NoError(t, store.Debit(ctx, pgAgent, pgChain, "10.000000", "batch_1"))

	bal, err := store.GetBalance(ctx, pgAgent, pgChain)
	require.NoError(t, err)
	assert.Equal(t, "15.000000", bal.Available)
	assert.Equal(t, "25.000000", bal.TotalIn)
	assert.Equal(t, "10.000000", bal.TotalOut)

	require.NoError(t, store.RollbackCredit(ctx, pgAgent, pgChain, "10.000000", "batch_1"))

	bal, err = store.GetBalance(ctx, pgAgent, pgChain)
	require.NoError(t, err)
	assert.Equal(t, "25.000000", bal.Available)
	assert.Equal(t, "0.000000", bal.TotalOut)
}

func TestPostgresStore_DuplicateCredit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := ledger.NewPostgresStore(db)

	require.NoError(t, store.Credit(ctx, pgAgent, pgChain, "5.000000", "0xproof1"))
	err := store.Credit(ctx, pgAgent, pgChain, "5.000000", "0xproof1")
	assert.ErrorIs(t, err, ledger.ErrDuplicateCredit)

	bal, err := store.GetBalance(ctx, pgAgent, pgChain)
	require.NoError(t, err)
	assert.Equal(t, "5.000000", bal.Available)

	has, err := store.HasCredit(ctx, "0xproof1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPostgresStore_DebitGuard(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := ledger.NewPostgresStore(db)

	require.NoError(t, store.Credit(ctx, pgAgent, pgChain, "1.000000", "0xproof1"))

	err := store.Debit(ctx, pgAgent, pgChain, "2.000000", "batch_1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	bal, err := store.GetBalance(ctx, pgAgent, pgChain)
	require.NoError(t, err)
	assert.Equal(t, "1.000000", bal.Available)

	// An unfunded agent is a zero row, and a debit against it fails the same way.
	err = store.Debit(ctx, "0xb0a9f8e7d6c5b4a3f2e1d0c9b8a7f6e5d4c3b2a1", pgChain, "1.000000", "batch_2")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestPostgresStore_HasDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := ledger.NewPostgresStore(db)

	require.NoError(t, store.Credit(ctx, pgAgent, pgChain, "10.000000", "0xproof1"))

	has, err := store.HasDebit(ctx, "batch_1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Debit(ctx, pgAgent, pgChain, "4.000000", "batch_1"))

	has, err = store.HasDebit(ctx, "batch_1")
	require.NoError(t, err)
	assert.True(t, has)

	// A rollback entry with the same reference is not a debit.
	require.NoError(t, store.RollbackCredit(ctx, pgAgent, pgChain, "4.000000", "batch_2"))
	has, err = store.HasDebit(ctx, "batch_2")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPostgresStore_History(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := ledger.NewPostgresStore(db)

	require.NoError(t, store.Credit(ctx, pgAgent, pgChain, "10.000000", "0xproof1"))
	require.NoError(t, store.Debit(ctx, pgAgent, pgChain, "4.000000", "batch_1"))
	require.NoError(t, store.RollbackCredit(ctx, pgAgent, pgChain, "4.000000", "batch_1"))

	entries, err := store.History(ctx, pgAgent, pgChain, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.EntryRollback, entries[0].Type)
	assert.Equal(t, ledger.EntryDebit, entries[1].Type)
	assert.Equal(t, ledger.EntryCredit, entries[2].Type)
	assert.Equal(t, "0xproof1", entries[2].Reference)

	entries, err = store.History(ctx, pgAgent, pgChain, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
