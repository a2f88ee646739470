// Package settlement batches pending execution records into on-chain
// settlement transactions, one transaction per (agent, counterparty) group.
package settlement

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBatchNotFound is returned when a settlement batch does not exist.
	ErrBatchNotFound = errors.New("settlement: batch not found")
)

// GroupKey identifies one settlement group within a run. A struct key keeps
// the two addresses distinct instead of gluing them into one string.
type GroupKey struct {
	AgentAddr        string
	CounterpartyAddr string
}

// Batch is one confirmed settlement: a single on-chain transaction covering
// every record in the group. Batches are created only after the transaction
// confirms, so a stored batch is always a settled one.
type Batch struct {
	ID               string    `json:"id"`
	Chain            string    `json:"chain"`
	AgentAddr        string    `json:"agent"`
	CounterpartyAddr string    `json:"counterparty"`
	TxHash           string    `json:"txHash"`
	Amount           string    `json:"amount"`
	RecordCount      int       `json:"recordCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SubmissionState tracks a group's progress through submission.
type SubmissionState string

const (
	SubmissionSubmitting SubmissionState = "submitting"
	SubmissionConfirmed  SubmissionState = "confirmed"
	SubmissionFailed     SubmissionState = "failed"
)

// Submission is the durable in-flight state of one settlement group. It is
// written before the transaction is broadcast so a restart can pick up where
// the worker left off without double-submitting.
type Submission struct {
	BatchID          string          `json:"batchId"`
	Chain            string          `json:"chain"`
	AgentAddr        string          `json:"agent"`
	CounterpartyAddr string          `json:"counterparty"`
	Amount           string          `json:"amount"`
	TxHash           string          `json:"txHash,omitempty"`
	State            SubmissionState `json:"state"`
	RecordIDs        []string        `json:"recordIds"`
	Attempts         int             `json:"attempts"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Store persists settlement batches and in-flight submissions.
type Store interface {
	// CreateBatch records a confirmed settlement batch.
	CreateBatch(ctx context.Context, b *Batch) error

	// GetBatch returns one batch, or ErrBatchNotFound.
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// ListBatches returns recent batches for a chain, newest first. An empty
	// chain returns batches across all chains.
	ListBatches(ctx context.Context, chain string, limit int) ([]*Batch, error)

	// SaveSubmission inserts or replaces the submission keyed by batch id.
	SaveSubmission(ctx context.Context, s *Submission) error

	// ListSubmitting returns submissions still in the submitting state for
	// a chain, oldest first. Used by workers on startup.
	ListSubmitting(ctx context.Context, chain string) ([]*Submission, error)
}
