// Package execution stores the append-only record of tool invocations.
//
// A record is created PENDING when the payment gate admits a request, and
// moves to SUCCESS or FAILED exactly once when its settlement batch resolves.
// Records are never deleted; they are the settlement audit trail.
package execution

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("execution: record not found")

	// ErrNotPending means a status transition was attempted on a record that
	// already reached SUCCESS or FAILED. Transitions are monotonic.
	ErrNotPending = errors.New("execution: record is not pending")
)

// Status of an execution record's settlement.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record is one tool invocation attempt and its settlement state.
// Cost is fixed at creation and never mutated.
type Record struct {
	ID               string     `json:"id"`
	AgentAddr        string     `json:"agentAddr"`
	CounterpartyAddr string     `json:"counterpartyAddr"` // tool owner receiving the payout
	ToolID           string     `json:"toolId"`
	Cost             string     `json:"cost"`
	Chain            string     `json:"chain"`
	Status           Status     `json:"status"`
	TxHash           string     `json:"txHash,omitempty"`  // set once settled on-chain
	BatchID          string     `json:"batchId,omitempty"` // set once grouped
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// Store persists execution records.
//
// MarkSettled and MarkFailed must only transition PENDING records; a record
// already in a terminal state is skipped, never rewritten.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByAgent(ctx context.Context, agentAddr string, limit int) ([]*Record, error)

	// ListPending returns up to limit PENDING records for one chain that are
	// not yet assigned to a batch, oldest first.
	ListPending(ctx context.Context, chain string, limit int) ([]*Record, error)
	CountPending(ctx context.Context, chain string) (int, error)

	// AssignBatch stamps a batch id onto PENDING records before submission.
	AssignBatch(ctx context.Context, ids []string, batchID string) error

	// MarkSettled transitions records to SUCCESS with the confirming tx hash.
	MarkSettled(ctx context.Context, ids []string, txHash, batchID string) error

	// MarkFailed transitions records to FAILED.
	MarkFailed(ctx context.Context, ids []string, batchID string) error
}

// IDs extracts the ids from a slice of records.
func IDs(records []*Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
