// Package ledger tracks per-agent escrow balances, one per settlement chain.
//
// The ledger is the sole owner of balance truth. Three callers mutate it:
//  1. The payment gate credits a balance when a payment proof verifies.
//  2. The settlement engine debits a balance when a group is submitted on-chain.
//  3. The settlement engine credits a balance back when a group fails.
//
// Admission never decrements: the payment gate only checks sufficiency, and
// the reservation lives in the PENDING execution record until settlement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/toolpay/internal/metrics"
	"github.com/mbd888/toolpay/internal/usdc"
	"github.com/mbd888/toolpay/internal/validation"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrDuplicateCredit     = errors.New("ledger: payment proof already credited")

	// ErrInvariantViolation means a debit would have driven a balance negative.
	// Admission already checked sufficiency, so this should be structurally
	// impossible; it is a bug alarm, not a recoverable condition.
	ErrInvariantViolation = errors.New("ledger: debit would drive balance negative")
)

// Entry types recorded in the mutation log.
const (
	EntryCredit   = "credit"   // verified payment proof
	EntryDebit    = "debit"    // settlement group submitted
	EntryRollback = "rollback" // failed settlement restored
)

// Entry is one append-only ledger mutation.
type Entry struct {
	ID        string    `json:"id"`
	AgentAddr string    `json:"agentAddr"`
	Chain     string    `json:"chain"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"` // proof tx hash or batch id
	CreatedAt time.Time `json:"createdAt"`
}

// Balance is an agent's escrow balance on one settlement chain.
type Balance struct {
	AgentAddr string    `json:"agentAddr"`
	Chain     string    `json:"chain"`
	Available string    `json:"available"`
	TotalIn   string    `json:"totalIn"`  // lifetime credits
	TotalOut  string    `json:"totalOut"` // lifetime settled debits
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and the mutation log.
//
// Credit must be atomic and idempotent per proofID (return ErrDuplicateCredit
// on replay). Debit must be a single compare-and-decrement: it returns
// ErrInsufficientBalance without mutating when available < amount.
type Store interface {
	GetBalance(ctx context.Context, agentAddr, chain string) (*Balance, error)
	Credit(ctx context.Context, agentAddr, chain, amount, proofID string) error
	Debit(ctx context.Context, agentAddr, chain, amount, reference string) error
	RollbackCredit(ctx context.Context, agentAddr, chain, amount, reference string) error
	History(ctx context.Context, agentAddr, chain string, limit int) ([]*Entry, error)
	HasCredit(ctx context.Context, proofID string) (bool, error)
	HasDebit(ctx context.Context, reference string) (bool, error)
}

// Ledger manages escrow balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// GetBalance returns an agent's balance on one chain. Unknown agents have a
// zero balance rather than an error; onboarding is implicit.
func (l *Ledger) GetBalance(ctx context.Context, agentAddr, chain string) (*Balance, error) {
	return l.store.GetBalance(ctx, validation.SanitizeAddress(agentAddr), chain)
}

// CheckAndReserve verifies available >= amount without mutating the balance.
// The reservation is implicit: the caller creates a PENDING execution record
// for the amount, and the real decrement happens at settlement time.
//
// Returns (ok, current available) so an insufficient check can drive the
// shortfall math in the 402 challenge.
func (l *Ledger) CheckAndReserve(ctx context.Context, agentAddr, chain, amount string) (bool, string, error) {
	amountBig, ok := usdc.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return false, "", ErrInvalidAmount
	}

	bal, err := l.store.GetBalance(ctx, validation.SanitizeAddress(agentAddr), chain)
	if err != nil {
		return false, "", err
	}

	availableBig, _ := usdc.Parse(bal.Available)
	return availableBig.Cmp(amountBig) >= 0, bal.Available, nil
}

// Credit adds a verified payment to an agent's balance, exactly once per
// proofID. A replayed proof returns ErrDuplicateCredit with no mutation.
func (l *Ledger) Credit(ctx context.Context, agentAddr, chain, amount, proofID string) error {
	if !usdc.IsPositive(amount) {
		return ErrInvalidAmount
	}
	if proofID == "" {
		return fmt.Errorf("ledger: credit requires a proof id")
	}
	return l.store.Credit(ctx, validation.SanitizeAddress(agentAddr), chain, amount, proofID)
}

// Debit subtracts a settlement group's total from an agent's balance. Only
// the settlement engine calls this, and it does so when the group is
// submitted on-chain rather than at confirmation; a group that later fails
// gets the amount back through RollbackCredit. A debit that would go
// negative is rejected and reported as an invariant violation.
func (l *Ledger) Debit(ctx context.Context, agentAddr, chain, amount, reference string) error {
	if !usdc.IsPositive(amount) {
		return ErrInvalidAmount
	}

	err := l.store.Debit(ctx, validation.SanitizeAddress(agentAddr), chain, amount, reference)
	if errors.Is(err, ErrInsufficientBalance) {
		metrics.LedgerInvariantViolations.Inc()
		l.logger.Error("ledger invariant violation: settlement debit exceeds balance",
			"agent", agentAddr, "chain", chain, "amount", amount, "reference", reference)
		return fmt.Errorf("%w: agent %s chain %s amount %s", ErrInvariantViolation, agentAddr, chain, amount)
	}
	return err
}

// RollbackCredit restores an agent's balance after a failed settlement,
// undoing the debit taken when the group was submitted.
func (l *Ledger) RollbackCredit(ctx context.Context, agentAddr, chain, amount, reference string) error {
	if !usdc.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.RollbackCredit(ctx, validation.SanitizeAddress(agentAddr), chain, amount, reference)
}

// History returns the most recent ledger entries for an agent on one chain.
func (l *Ledger) History(ctx context.Context, agentAddr, chain string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, validation.SanitizeAddress(agentAddr), chain, limit)
}

// HasCredit reports whether a payment proof was already credited.
func (l *Ledger) HasCredit(ctx context.Context, proofID string) (bool, error) {
	return l.store.HasCredit(ctx, proofID)
}

// HasDebit reports whether a debit entry exists for the given reference.
// The settlement worker uses this on restart to decide whether an
// interrupted submission had already taken its debit.
func (l *Ledger) HasDebit(ctx context.Context, reference string) (bool, error) {
	return l.store.HasDebit(ctx, reference)
}
