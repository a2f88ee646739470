package execution

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists execution records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed execution record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const recordColumns = `id, agent_address, counterparty_address, tool_id, cost, chain,
	       status, tx_hash, batch_id, created_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (
			id, agent_address, counterparty_address, tool_id, cost, chain,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8)`,
		r.ID, r.AgentAddr, r.CounterpartyAddr, r.ToolID, r.Cost, r.Chain,
		string(r.Status), r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return r, err
}

func (s *PostgresStore) ListByAgent(ctx context.Context, agentAddr string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM execution_records
		WHERE agent_address = $1 OR counterparty_address = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentAddr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (s *PostgresStore) ListPending(ctx context.Context, chain string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM execution_records
		WHERE chain = $1 AND status = 'pending' AND batch_id IS NULL
		ORDER BY created_at ASC
		LIMIT $2`, chain, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (s *PostgresStore) CountPending(ctx context.Context, chain string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execution_records
		WHERE chain = $1 AND status = 'pending' AND batch_id IS NULL
	`, chain).Scan(&count)
	return count, err
}

func (s *PostgresStore) AssignBatch(ctx context.Context, ids []string, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_records SET batch_id = $2
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(ids), batchID)
	return err
}

func (s *PostgresStore) MarkSettled(ctx context.Context, ids []string, txHash, batchID string) error {
	// The status guard makes the transition monotonic: a terminal record
	// is never rewritten, even on a replayed settlement.
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_records SET
			status = 'success', tx_hash = $2, batch_id = $3, completed_at = $4
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(ids), txHash, batchID, time.Now())
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, ids []string, batchID string) error {
	// The gate fails records with no batch; keep batch_id NULL for those
	// instead of writing an empty string.
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_records SET
			status = 'failed', batch_id = $2, completed_at = $3
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(ids), nullString(batchID), time.Now())
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		status      string
		txHash      sql.NullString
		batchID     sql.NullString
		completedAt sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.AgentAddr, &r.CounterpartyAddr, &r.ToolID, &r.Cost, &r.Chain,
		&status, &txHash, &batchID, &r.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.TxHash = txHash.String
	r.BatchID = batchID.String
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
