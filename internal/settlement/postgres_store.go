package settlement

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists settlement batches and submissions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_batches (
			id, chain, agent_address, counterparty_address, tx_hash,
			amount, record_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8)`,
		b.ID, b.Chain, b.AgentAddr, b.CounterpartyAddr, b.TxHash,
		b.Amount, b.RecordCount, b.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b := &Batch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chain, agent_address, counterparty_address, tx_hash,
		       amount, record_count, created_at
		FROM settlement_batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.Chain, &b.AgentAddr, &b.CounterpartyAddr, &b.TxHash,
		&b.Amount, &b.RecordCount, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, chain string, limit int) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain, agent_address, counterparty_address, tx_hash,
		       amount, record_count, created_at
		FROM settlement_batches
		WHERE ($1 = '' OR chain = $1)
		ORDER BY created_at DESC
		LIMIT $2`, chain, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Batch
	for rows.Next() {
		b := &Batch{}
		if err := rows.Scan(&b.ID, &b.Chain, &b.AgentAddr, &b.CounterpartyAddr,
			&b.TxHash, &b.Amount, &b.RecordCount, &b.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveSubmission(ctx context.Context, sub *Submission) error {
	now := time.Now()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_submissions (
			batch_id, chain, agent_address, counterparty_address, amount,
			tx_hash, state, record_ids, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11)
		ON CONFLICT (batch_id) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at`,
		sub.BatchID, sub.Chain, sub.AgentAddr, sub.CounterpartyAddr, sub.Amount,
		nullString(sub.TxHash), string(sub.State), pq.Array(sub.RecordIDs),
		sub.Attempts, createdAt, now,
	)
	return err
}

func (s *PostgresStore) ListSubmitting(ctx context.Context, chain string) ([]*Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, chain, agent_address, counterparty_address, amount,
		       tx_hash, state, record_ids, attempts, created_at, updated_at
		FROM settlement_submissions
		WHERE chain = $1 AND state = 'submitting'
		ORDER BY created_at ASC`, chain)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Submission
	for rows.Next() {
		sub := &Submission{}
		var (
			txHash    sql.NullString
			state     string
			recordIDs pq.StringArray
		)
		if err := rows.Scan(&sub.BatchID, &sub.Chain, &sub.AgentAddr,
			&sub.CounterpartyAddr, &sub.Amount, &txHash, &state, &recordIDs,
			&sub.Attempts, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		sub.TxHash = txHash.String
		sub.State = SubmissionState(state)
		sub.RecordIDs = []string(recordIDs)
		result = append(result, sub)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
