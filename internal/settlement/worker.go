package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/toolpay/internal/chain"
	"github.com/mbd888/toolpay/internal/execution"
	"github.com/mbd888/toolpay/internal/idgen"
	"github.com/mbd888/toolpay/internal/ledger"
	"github.com/mbd888/toolpay/internal/metrics"
	"github.com/mbd888/toolpay/internal/retry"
	"github.com/mbd888/toolpay/internal/traces"
	"github.com/mbd888/toolpay/internal/usdc"
)

// Event is a settlement lifecycle notification for dashboards.
type Event struct {
	Type      string    `json:"type"` // batch_confirmed | batch_failed
	Chain     string    `json:"chain"`
	BatchID   string    `json:"batchId"`
	TxHash    string    `json:"txHash,omitempty"`
	Amount    string    `json:"amount"`
	RecordIDs []string  `json:"recordIds"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives settlement events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// WorkerConfig holds one chain worker's tunables.
type WorkerConfig struct {
	Interval       time.Duration // periodic settlement trigger
	Threshold      int           // pending-record count that triggers an early run
	BatchLimit     int           // max records fetched per run
	Attempts       int           // submission attempts per group
	RetryDelay     time.Duration // base backoff between attempts
	ConfirmTimeout time.Duration // per-transaction receipt wait
}

func (c *WorkerConfig) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Threshold == 0 {
		c.Threshold = 50
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = 500
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
}

// Worker settles pending records on one chain. All submissions for the chain
// go through this single goroutine, which keeps transaction nonces ordered.
// A run always completes before the next trigger is served.
type Worker struct {
	chainName string
	gw        chain.Gateway
	ledger    *ledger.Ledger
	records   execution.Store
	store     Store
	cfg       WorkerConfig
	logger    *slog.Logger
	pub       Publisher

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewWorker creates a settlement worker for one chain.
func NewWorker(cfg WorkerConfig, gw chain.Gateway, l *ledger.Ledger, records execution.Store, store Store, pub Publisher, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		chainName: gw.Name(),
		gw:        gw,
		ledger:    l,
		records:   records,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "settlement", "chain", gw.Name()),
		pub:       pub,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Kick asks the worker to consider an early run. Never blocks; a kick while
// one is already queued is folded into it.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start resumes any interrupted submissions and then runs the settle loop.
// Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	defer close(w.done)

	// Finalize whatever a previous process left mid-flight before taking
	// on new work.
	w.resume(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx, "interval")
		case <-w.kick:
			n, err := w.records.CountPending(ctx, w.chainName)
			if err != nil {
				w.logger.Warn("failed to count pending records", "error", err)
				continue
			}
			metrics.PendingRecords.WithLabelValues(w.chainName).Set(float64(n))
			if n >= w.cfg.Threshold {
				w.safeRun(ctx, "threshold")
			}
		}
	}
}

// Stop signals the worker to stop and waits for the in-flight run to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
	case <-time.After(2 * time.Minute):
		w.logger.Error("settlement worker did not drain in time")
	}
}

func (w *Worker) safeRun(ctx context.Context, trigger string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in settlement run", "panic", fmt.Sprint(r))
		}
	}()
	w.run(ctx, trigger)
}

// run settles every pending group once. Groups are independent: one group's
// failure never touches another group's records or balances.
func (w *Worker) run(ctx context.Context, trigger string) {
	started := time.Now()
	metrics.SettlementRunsTotal.WithLabelValues(w.chainName, trigger).Inc()

	pending, err := w.records.ListPending(ctx, w.chainName, w.cfg.BatchLimit)
	if err != nil {
		w.logger.Warn("failed to list pending records", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	groups := make(map[GroupKey][]*execution.Record)
	var order []GroupKey
	for _, r := range pending {
		key := GroupKey{AgentAddr: r.AgentAddr, CounterpartyAddr: r.CounterpartyAddr}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	w.logger.Info("settlement run",
		"trigger", trigger,
		"pending", len(pending),
		"groups", len(order))

	for _, key := range order {
		w.settleGroup(ctx, key, groups[key])
	}

	metrics.SettlementDuration.WithLabelValues(w.chainName).Observe(time.Since(started).Seconds())
	if n, err := w.records.CountPending(ctx, w.chainName); err == nil {
		metrics.PendingRecords.WithLabelValues(w.chainName).Set(float64(n))
	}
}

// settleGroup submits one transaction covering every record in the group.
func (w *Worker) settleGroup(ctx context.Context, key GroupKey, recs []*execution.Record) {
	ctx, span := traces.StartSpan(ctx, "settlement.SettleGroup",
		traces.Chain(w.chainName),
		traces.AgentAddr(key.AgentAddr),
	)
	defer span.End()

	costs := make([]string, len(recs))
	for i, r := range recs {
		costs[i] = r.Cost
	}
	total, ok := usdc.Sum(costs...)
	if !ok {
		w.logger.Error("unparseable cost in pending records, group skipped",
			"agent", key.AgentAddr, "counterparty", key.CounterpartyAddr)
		return
	}

	sub := &Submission{
		BatchID:          idgen.WithPrefix("batch_"),
		Chain:            w.chainName,
		AgentAddr:        key.AgentAddr,
		CounterpartyAddr: key.CounterpartyAddr,
		Amount:           usdc.Format(total),
		State:            SubmissionSubmitting,
		RecordIDs:        execution.IDs(recs),
		CreatedAt:        time.Now(),
	}

	// The submission row goes down before anything else touches durable
	// state. Whatever happens after this point, a restart finds the row and
	// resume can finalize the group; the ledger entry log says whether the
	// debit had been taken.
	if err := w.store.SaveSubmission(ctx, sub); err != nil {
		w.logger.Warn("failed to persist submission", "batch_id", sub.BatchID, "error", err)
		return
	}
	if err := w.records.AssignBatch(ctx, sub.RecordIDs, sub.BatchID); err != nil {
		w.logger.Warn("failed to assign batch", "batch_id", sub.BatchID, "error", err)
		// Records stay pending for the next run; retire the submission so
		// resume never finalizes a batch that was abandoned here.
		sub.State = SubmissionFailed
		if err := w.store.SaveSubmission(ctx, sub); err != nil {
			w.logger.Warn("failed to persist failed submission", "batch_id", sub.BatchID, "error", err)
		}
		return
	}

	// The implicit reservation becomes a real decrement here, at submission
	// time. A failed group gets the amount back through RollbackCredit.
	if err := w.ledger.Debit(ctx, key.AgentAddr, w.chainName, sub.Amount, sub.BatchID); err != nil {
		w.logger.Error("debit failed before submission",
			"batch_id", sub.BatchID, "agent", key.AgentAddr, "amount", sub.Amount, "error", err)
		w.failGroup(ctx, sub, false)
		return
	}

	txHash, err := w.submitGroup(ctx, sub, total)
	if err != nil {
		w.logger.Error("settlement submission exhausted retries",
			"batch_id", sub.BatchID,
			"agent", key.AgentAddr,
			"counterparty", key.CounterpartyAddr,
			"amount", sub.Amount,
			"error", err)
		w.failGroup(ctx, sub, true)
		return
	}

	w.confirmGroup(ctx, sub, txHash)
}

// submitGroup broadcasts the settle transaction with bounded retries. Before
// any resubmission it checks the previous attempt's receipt, so a transaction
// that confirmed late is never sent twice.
func (w *Worker) submitGroup(ctx context.Context, sub *Submission, amount *big.Int) (string, error) {
	var lastTx string

	err := retry.Do(ctx, w.cfg.Attempts, w.cfg.RetryDelay, func() error {
		if lastTx != "" {
			receipt, err := w.gw.GetReceipt(ctx, lastTx)
			if err == nil {
				if receipt.Succeeded() {
					return nil
				}
				return retry.Permanent(fmt.Errorf("settle tx %s: %w", lastTx, chain.ErrTransactionFailed))
			}
			if !errors.Is(err, chain.ErrReceiptNotFound) {
				return err
			}
			// Previous attempt was never mined, safe to resubmit.
		}

		call, err := w.gw.EncodeSettle(sub.AgentAddr, sub.CounterpartyAddr, amount)
		if err != nil {
			return retry.Permanent(err)
		}
		txHash, err := w.gw.SubmitTransaction(ctx, w.gw.EscrowAddress(), call)
		if err != nil {
			return err
		}

		lastTx = txHash
		sub.TxHash = txHash
		sub.Attempts++
		if err := w.store.SaveSubmission(ctx, sub); err != nil {
			w.logger.Warn("failed to persist submission tx hash",
				"batch_id", sub.BatchID, "tx_hash", txHash, "error", err)
		}

		receipt, err := w.gw.WaitForReceipt(ctx, txHash, w.cfg.ConfirmTimeout)
		if err != nil {
			return err
		}
		if !receipt.Succeeded() {
			return retry.Permanent(fmt.Errorf("settle tx %s: %w", txHash, chain.ErrTransactionFailed))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return lastTx, nil
}

func (w *Worker) confirmGroup(ctx context.Context, sub *Submission, txHash string) {
	if err := w.records.MarkSettled(ctx, sub.RecordIDs, txHash, sub.BatchID); err != nil {
		w.logger.Error("failed to mark records settled",
			"batch_id", sub.BatchID, "tx_hash", txHash, "error", err)
		return
	}

	sub.TxHash = txHash
	sub.State = SubmissionConfirmed
	if err := w.store.SaveSubmission(ctx, sub); err != nil {
		w.logger.Warn("failed to persist confirmed submission", "batch_id", sub.BatchID, "error", err)
	}

	batch := &Batch{
		ID:               sub.BatchID,
		Chain:            sub.Chain,
		AgentAddr:        sub.AgentAddr,
		CounterpartyAddr: sub.CounterpartyAddr,
		TxHash:           txHash,
		Amount:           sub.Amount,
		RecordCount:      len(sub.RecordIDs),
		CreatedAt:        time.Now(),
	}
	if err := w.store.CreateBatch(ctx, batch); err != nil {
		w.logger.Error("failed to persist settlement batch", "batch_id", sub.BatchID, "error", err)
	}

	metrics.SettlementGroupsTotal.WithLabelValues(w.chainName, "confirmed").Inc()
	metrics.SettlementRecords.Observe(float64(len(sub.RecordIDs)))
	w.publish(Event{
		Type:      "batch_confirmed",
		Chain:     sub.Chain,
		BatchID:   sub.BatchID,
		TxHash:    txHash,
		Amount:    sub.Amount,
		RecordIDs: sub.RecordIDs,
		Timestamp: time.Now(),
	})

	w.logger.Info("settlement batch confirmed",
		"batch_id", sub.BatchID,
		"tx_hash", txHash,
		"agent", sub.AgentAddr,
		"counterparty", sub.CounterpartyAddr,
		"amount", sub.Amount,
		"records", len(sub.RecordIDs))
}

// failGroup marks the group's records failed and, when the debit already
// happened, restores the agent's balance.
func (w *Worker) failGroup(ctx context.Context, sub *Submission, rollback bool) {
	if err := w.records.MarkFailed(ctx, sub.RecordIDs, sub.BatchID); err != nil {
		w.logger.Error("failed to mark records failed", "batch_id", sub.BatchID, "error", err)
	}

	if rollback {
		if err := w.ledger.RollbackCredit(ctx, sub.AgentAddr, w.chainName, sub.Amount, sub.BatchID); err != nil {
			w.logger.Error("failed to roll back settlement debit",
				"batch_id", sub.BatchID, "agent", sub.AgentAddr, "amount", sub.Amount, "error", err)
		}
	}

	sub.State = SubmissionFailed
	if err := w.store.SaveSubmission(ctx, sub); err != nil {
		w.logger.Warn("failed to persist failed submission", "batch_id", sub.BatchID, "error", err)
	}

	metrics.SettlementGroupsTotal.WithLabelValues(w.chainName, "failed").Inc()
	w.publish(Event{
		Type:      "batch_failed",
		Chain:     sub.Chain,
		BatchID:   sub.BatchID,
		TxHash:    sub.TxHash,
		Amount:    sub.Amount,
		RecordIDs: sub.RecordIDs,
		Timestamp: time.Now(),
	})
}

// resume finalizes submissions a previous process left in the submitting
// state. The previous transaction is looked up before anything else happens,
// so a batch that confirmed while we were down is never submitted again.
func (w *Worker) resume(ctx context.Context) {
	subs, err := w.store.ListSubmitting(ctx, w.chainName)
	if err != nil {
		w.logger.Warn("failed to list interrupted submissions", "error", err)
		return
	}

	for _, sub := range subs {
		if sub.TxHash == "" {
			// Never broadcast. The entry log says whether the crash came
			// before or after the debit; rolling back an amount that was
			// never taken would mint balance out of nothing.
			debited, err := w.ledger.HasDebit(ctx, sub.BatchID)
			if err != nil {
				w.logger.Warn("could not check debit for interrupted submission",
					"batch_id", sub.BatchID, "error", err)
				continue
			}
			w.logger.Warn("resuming submission that was never broadcast",
				"batch_id", sub.BatchID, "debited", debited)
			w.failGroup(ctx, sub, debited)
			continue
		}

		receipt, err := w.gw.GetReceipt(ctx, sub.TxHash)
		switch {
		case err == nil && receipt.Succeeded():
			w.logger.Info("interrupted submission confirmed while down",
				"batch_id", sub.BatchID, "tx_hash", sub.TxHash)
			w.confirmGroup(ctx, sub, sub.TxHash)
		case err == nil:
			w.logger.Warn("interrupted submission reverted",
				"batch_id", sub.BatchID, "tx_hash", sub.TxHash)
			w.failGroup(ctx, sub, true)
		case errors.Is(err, chain.ErrReceiptNotFound):
			w.logger.Warn("interrupted submission never mined",
				"batch_id", sub.BatchID, "tx_hash", sub.TxHash)
			w.failGroup(ctx, sub, true)
		default:
			// Chain unreachable. Leave the submission for the next resume
			// rather than guessing its outcome.
			w.logger.Warn("could not verify interrupted submission",
				"batch_id", sub.BatchID, "tx_hash", sub.TxHash, "error", err)
		}
	}
}

func (w *Worker) publish(e Event) {
	if w.pub != nil {
		w.pub.Publish(e)
	}
}
