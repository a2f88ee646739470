package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/toolpay/internal/chain"
	"github.com/mbd888/toolpay/internal/execution"
	"github.com/mbd888/toolpay/internal/ledger"
	"github.com/mbd888/toolpay/internal/testutil"
)

const (
	testChain  = "base-sepolia"
	agentA     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	toolOwnerB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	toolOwnerC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

type capturePub struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePub) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePub) byType(eventType string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type workerFixture struct {
	worker  *Worker
	ledger  *ledger.Ledger
	lstore  *ledger.MemoryStore
	records *execution.MemoryStore
	store   *MemoryStore
	gw      *testutil.FakeGateway
	pub     *capturePub
	seq     int
}

func newWorkerFixture(t *testing.T, cfg WorkerConfig) *workerFixture {
	t.Helper()

	f := &workerFixture{
		lstore:  ledger.NewMemoryStore(),
		records: execution.NewMemoryStore(),
		store:   NewMemoryStore(),
		gw:      testutil.NewFakeGateway(testChain),
		pub:     &capturePub{},
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 10 * time.Millisecond
	}
	f.ledger = ledger.New(f.lstore, nil)
	f.worker = NewWorker(cfg, f.gw, f.ledger, f.records, f.store, f.pub, nil)
	return f
}

func (f *workerFixture) credit(t *testing.T, agent, amount string) {
	t.Helper()
	f.seq++
	proofID := fmt.Sprintf("0x%064d", f.seq)
	require.NoError(t, f.ledger.Credit(context.Background(), agent, testChain, amount, proofID))
}

func (f *workerFixture) addPending(t *testing.T, agent, counterparty, cost string) *execution.Record {
	t.Helper()
	f.seq++
	rec := &execution.Record{
		ID:               fmt.Sprintf("exec_%04d", f.seq),
		AgentAddr:        agent,
		CounterpartyAddr: counterparty,
		ToolID:           "summarize",
		Cost:             cost,
		Chain:            testChain,
		Status:           execution.StatusPending,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, f.records.Create(context.Background(), rec))
	return rec
}

func (f *workerFixture) available(t *testing.T, agent string) string {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), agent, testChain)
	require.NoError(t, err)
	return bal.Available
}

func TestWorker_SettlesSingleRecord(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	f.worker.run(context.Background(), "interval")

	got, err := f.records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.NotEmpty(t, got.TxHash)
	assert.NotEmpty(t, got.BatchID)

	// 100 in, 30 settled out.
	assert.Equal(t, "70.000000", f.available(t, agentA))

	batch, err := f.store.GetBatch(context.Background(), got.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "30.000000", batch.Amount)
	assert.Equal(t, 1, batch.RecordCount)
	assert.Equal(t, got.TxHash, batch.TxHash)

	require.Len(t, f.gw.Submitted(), 1)
	assert.Len(t, f.pub.byType("batch_confirmed"), 1)
}

func TestWorker_GroupFailureRestoresBalance(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{Attempts: 2})
	f.credit(t, agentA, "45.00")
	recs := []*execution.Record{
		f.addPending(t, agentA, toolOwnerB, "15.00"),
		f.addPending(t, agentA, toolOwnerB, "15.00"),
		f.addPending(t, agentA, toolOwnerB, "15.00"),
	}

	// Settle transactions revert on-chain.
	status := uint64(0)
	f.gw.SubmitStatus = &status

	f.worker.run(context.Background(), "interval")

	for _, rec := range recs {
		got, err := f.records.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusFailed, got.Status)
	}

	// The 45.00 debit was rolled back in full.
	assert.Equal(t, "45.000000", f.available(t, agentA))

	// A reverted transaction is permanent, not retried.
	assert.Len(t, f.gw.Submitted(), 1)

	batches, err := f.store.ListBatches(context.Background(), testChain, 10)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Len(t, f.pub.byType("batch_failed"), 1)
}

func TestWorker_GroupFailureIsolated(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{Attempts: 1})
	f.credit(t, agentA, "100.00")
	okRec := f.addPending(t, agentA, toolOwnerB, "10.00")
	badRec := f.addPending(t, agentA, toolOwnerC, "20.00")

	// Only the group paying toolOwnerC fails to submit.
	f.gw.SubmitHook = func(_ string, call []byte) error {
		if strings.Contains(string(call), toolOwnerC) {
			return fmt.Errorf("nonce too low")
		}
		return nil
	}

	f.worker.run(context.Background(), "interval")

	got, err := f.records.Get(context.Background(), okRec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)

	got, err = f.records.Get(context.Background(), badRec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)

	// Only the confirmed group's 10.00 stays debited.
	assert.Equal(t, "90.000000", f.available(t, agentA))
}

func TestWorker_BatchAggregatesGroup(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	f.credit(t, agentA, "100.00")
	f.addPending(t, agentA, toolOwnerB, "10.00")
	f.addPending(t, agentA, toolOwnerB, "20.00")
	f.addPending(t, agentA, toolOwnerB, "0.50")

	f.worker.run(context.Background(), "interval")

	// One transaction for the whole group.
	require.Len(t, f.gw.Submitted(), 1)

	batches, err := f.store.ListBatches(context.Background(), testChain, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "30.500000", batches[0].Amount)
	assert.Equal(t, 3, batches[0].RecordCount)
	assert.Equal(t, "69.500000", f.available(t, agentA))
}

func TestWorker_GroupsByAgentAndCounterparty(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	f.credit(t, agentA, "100.00")
	f.addPending(t, agentA, toolOwnerB, "10.00")
	f.addPending(t, agentA, toolOwnerB, "10.00")
	f.addPending(t, agentA, toolOwnerC, "5.00")

	f.worker.run(context.Background(), "interval")

	// Two groups, two transactions.
	assert.Len(t, f.gw.Submitted(), 2)

	batches, err := f.store.ListBatches(context.Background(), testChain, 10)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestWorker_ChecksReceiptBeforeResubmit(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{Attempts: 3})
	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	// The transaction mines, but our receipt wait keeps timing out. The
	// retry must find the mined receipt instead of broadcasting again.
	f.gw.WaitErr = fmt.Errorf("receipt wait: context deadline exceeded")

	f.worker.run(context.Background(), "interval")

	got, err := f.records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)

	// One broadcast even though the first wait failed.
	assert.Len(t, f.gw.Submitted(), 1)
	assert.Equal(t, "70.000000", f.available(t, agentA))
}

func TestWorker_ExhaustedRetriesFailGroup(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{Attempts: 3})
	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	// Transactions are broadcast but never mined.
	f.gw.MineSubmitted = false

	f.worker.run(context.Background(), "interval")

	got, err := f.records.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "100.000000", f.available(t, agentA))
	assert.Len(t, f.gw.Submitted(), 3)
}

func TestWorker_NoPendingNoSubmission(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	f.worker.run(context.Background(), "interval")
	assert.Empty(t, f.gw.Submitted())
}

// assignFailStore simulates the database dying between the submission write
// and the batch assignment.
type assignFailStore struct {
	execution.Store
}

func (s *assignFailStore) AssignBatch(ctx context.Context, ids []string, batchID string) error {
	return fmt.Errorf("driver: bad connection")
}

func TestWorker_AssignFailureKeepsRecordsSettleable(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	ctx := context.Background()

	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	w := NewWorker(WorkerConfig{}, f.gw, f.ledger, &assignFailStore{f.records}, f.store, f.pub, nil)
	w.run(ctx, "interval")

	// The record went back to the pool untouched: still pending, no batch
	// stamped on it, nothing debited, nothing broadcast.
	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, got.Status)
	assert.Empty(t, got.BatchID)
	assert.Equal(t, "100.000000", f.available(t, agentA))
	assert.Empty(t, f.gw.Submitted())

	pending, err := f.records.ListPending(ctx, testChain, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// The abandoned submission was retired, so resume has nothing to
	// finalize against these records.
	subs, err := f.store.ListSubmitting(ctx, testChain)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// A healthy run settles the same record normally.
	f.worker.run(ctx, "interval")
	got, err = f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, "70.000000", f.available(t, agentA))
}

func TestWorker_ResumeConfirmedWhileDown(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	ctx := context.Background()

	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	// A previous process debited, broadcast, then died before finalizing.
	txHash := fmt.Sprintf("0x%064d", 99)
	require.NoError(t, f.records.AssignBatch(ctx, []string{rec.ID}, "batch_resume1"))
	require.NoError(t, f.ledger.Debit(ctx, agentA, testChain, "30.00", "batch_resume1"))
	require.NoError(t, f.store.SaveSubmission(ctx, &Submission{
		BatchID:          "batch_resume1",
		Chain:            testChain,
		AgentAddr:        agentA,
		CounterpartyAddr: toolOwnerB,
		Amount:           "30.000000",
		TxHash:           txHash,
		State:            SubmissionSubmitting,
		RecordIDs:        []string{rec.ID},
		Attempts:         1,
	}))
	f.gw.SeedReceipt(&chain.Receipt{TxHash: txHash, Status: 1})

	f.worker.resume(ctx)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, txHash, got.TxHash)

	// The debit stands; no second submission happened.
	assert.Equal(t, "70.000000", f.available(t, agentA))
	assert.Empty(t, f.gw.Submitted())

	sub, ok := f.store.Submission("batch_resume1")
	require.True(t, ok)
	assert.Equal(t, SubmissionConfirmed, sub.State)

	batch, err := f.store.GetBatch(ctx, "batch_resume1")
	require.NoError(t, err)
	assert.Equal(t, txHash, batch.TxHash)
}

func TestWorker_ResumeNeverMinedRollsBack(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	ctx := context.Background()

	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	txHash := fmt.Sprintf("0x%064d", 98)
	require.NoError(t, f.records.AssignBatch(ctx, []string{rec.ID}, "batch_resume2"))
	require.NoError(t, f.ledger.Debit(ctx, agentA, testChain, "30.00", "batch_resume2"))
	require.NoError(t, f.store.SaveSubmission(ctx, &Submission{
		BatchID:          "batch_resume2",
		Chain:            testChain,
		AgentAddr:        agentA,
		CounterpartyAddr: toolOwnerB,
		Amount:           "30.000000",
		TxHash:           txHash,
		State:            SubmissionSubmitting,
		RecordIDs:        []string{rec.ID},
		Attempts:         1,
	}))
	// No receipt seeded: the transaction was never mined.

	f.worker.resume(ctx)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "100.000000", f.available(t, agentA))

	sub, ok := f.store.Submission("batch_resume2")
	require.True(t, ok)
	assert.Equal(t, SubmissionFailed, sub.State)
}

func TestWorker_ResumeUndebitedDoesNotRollBack(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	ctx := context.Background()

	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	// A previous process persisted the submission and died before taking
	// the debit. No ledger entry carries this batch id.
	require.NoError(t, f.store.SaveSubmission(ctx, &Submission{
		BatchID:          "batch_resume4",
		Chain:            testChain,
		AgentAddr:        agentA,
		CounterpartyAddr: toolOwnerB,
		Amount:           "30.000000",
		State:            SubmissionSubmitting,
		RecordIDs:        []string{rec.ID},
	}))

	f.worker.resume(ctx)

	// Nothing was debited, so nothing comes back: the balance must stay
	// exactly where it was.
	assert.Equal(t, "100.000000", f.available(t, agentA))

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)

	sub, ok := f.store.Submission("batch_resume4")
	require.True(t, ok)
	assert.Equal(t, SubmissionFailed, sub.State)

	// The entry log holds the funding credit and nothing else.
	entries := f.lstore.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryCredit, entries[0].Type)
}

func TestWorker_ResumeDebitedUnbroadcastRollsBack(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	ctx := context.Background()

	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "30.00")

	// This time the crash came after the debit but before any broadcast.
	require.NoError(t, f.records.AssignBatch(ctx, []string{rec.ID}, "batch_resume5"))
	require.NoError(t, f.ledger.Debit(ctx, agentA, testChain, "30.00", "batch_resume5"))
	require.NoError(t, f.store.SaveSubmission(ctx, &Submission{
		BatchID:          "batch_resume5",
		Chain:            testChain,
		AgentAddr:        agentA,
		CounterpartyAddr: toolOwnerB,
		Amount:           "30.000000",
		State:            SubmissionSubmitting,
		RecordIDs:        []string{rec.ID},
	}))

	f.worker.resume(ctx)

	assert.Equal(t, "100.000000", f.available(t, agentA))

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)

	// The debit was cancelled by a matching rollback, not ignored.
	entries := f.lstore.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.EntryDebit, entries[1].Type)
	assert.Equal(t, ledger.EntryRollback, entries[2].Type)
	assert.Equal(t, "batch_resume5", entries[2].Reference)
}

func TestWorker_ResumeUnreachableLeavesSubmitting(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{})
	ctx := context.Background()

	require.NoError(t, f.store.SaveSubmission(ctx, &Submission{
		BatchID:   "batch_resume3",
		Chain:     testChain,
		AgentAddr: agentA,
		Amount:    "30.000000",
		TxHash:    fmt.Sprintf("0x%064d", 97),
		State:     SubmissionSubmitting,
	}))
	f.gw.Unreachable = true

	f.worker.resume(ctx)

	sub, ok := f.store.Submission("batch_resume3")
	require.True(t, ok)
	assert.Equal(t, SubmissionSubmitting, sub.State)
}

func TestWorker_ThresholdTrigger(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{Interval: time.Hour, Threshold: 2})
	f.credit(t, agentA, "100.00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Start(ctx)
	defer f.worker.Stop()

	require.Eventually(t, f.worker.Running, time.Second, 5*time.Millisecond)

	// One pending record stays below the threshold.
	rec1 := f.addPending(t, agentA, toolOwnerB, "10.00")
	f.worker.Kick()
	time.Sleep(50 * time.Millisecond)
	got, err := f.records.Get(ctx, rec1.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, got.Status)

	// The second record tips it over.
	rec2 := f.addPending(t, agentA, toolOwnerB, "10.00")
	f.worker.Kick()

	require.Eventually(t, func() bool {
		got, err := f.records.Get(ctx, rec2.ID)
		return err == nil && got.Status == execution.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	got, err = f.records.Get(ctx, rec1.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
}

func TestWorker_IntervalTrigger(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{Interval: 20 * time.Millisecond, Threshold: 1000})
	f.credit(t, agentA, "100.00")
	rec := f.addPending(t, agentA, toolOwnerB, "10.00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Start(ctx)
	defer f.worker.Stop()

	require.Eventually(t, func() bool {
		got, err := f.records.Get(ctx, rec.ID)
		return err == nil && got.Status == execution.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_StopDrains(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{Interval: time.Hour})

	ctx := context.Background()
	go f.worker.Start(ctx)
	require.Eventually(t, f.worker.Running, time.Second, 5*time.Millisecond)

	f.worker.Stop()
	assert.False(t, f.worker.Running())

	// Stop is idempotent.
	f.worker.Stop()
}
