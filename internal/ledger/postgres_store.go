package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/mbd888/toolpay/internal/idgen"
)

// PostgresStore persists the ledger in PostgreSQL.
//
// Every mutation is a single-statement compare-and-set inside a transaction
// with its log entry, so concurrent gates and settlement workers never see a
// torn read-modify-write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) GetBalance(ctx context.Context, agentAddr, chain string) (*Balance, error) {
	bal := &Balance{AgentAddr: agentAddr, Chain: chain}
	err := s.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM escrow_balances
		WHERE agent_address = $1 AND chain = $2
	`, agentAddr, chain).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		// Implicit onboarding: unknown agents have a zero balance.
		bal.Available = "0.000000"
		bal.TotalIn = "0.000000"
		bal.TotalOut = "0.000000"
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (s *PostgresStore) Credit(ctx context.Context, agentAddr, chain, amount, proofID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The unique proof id makes the credit idempotent across retried
	// verification calls.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_credits (proof_id, agent_address, chain, amount, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), NOW())
	`, proofID, agentAddr, chain, amount)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateCredit
		}
		return fmt.Errorf("record credit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_balances (agent_address, chain, available, total_in, total_out, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $3::NUMERIC(20,6), 0, NOW())
		ON CONFLICT (agent_address, chain) DO UPDATE SET
			available  = escrow_balances.available + $3::NUMERIC(20,6),
			total_in   = escrow_balances.total_in  + $3::NUMERIC(20,6),
			updated_at = NOW()
	`, agentAddr, chain, amount)
	if err != nil {
		return fmt.Errorf("apply credit: %w", err)
	}

	if err := s.appendEntry(ctx, tx, agentAddr, chain, EntryCredit, amount, proofID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) Debit(ctx context.Context, agentAddr, chain, amount, reference string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Single compare-and-decrement: the WHERE clause is the negative-balance guard.
	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_balances SET
			available  = available - $3::NUMERIC(20,6),
			total_out  = total_out + $3::NUMERIC(20,6),
			updated_at = NOW()
		WHERE agent_address = $1 AND chain = $2 AND available >= $3::NUMERIC(20,6)
	`, agentAddr, chain, amount)
	if err != nil {
		return fmt.Errorf("apply debit: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := s.appendEntry(ctx, tx, agentAddr, chain, EntryDebit, amount, reference); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) RollbackCredit(ctx context.Context, agentAddr, chain, amount, reference string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_balances SET
			available  = available + $3::NUMERIC(20,6),
			total_out  = total_out - $3::NUMERIC(20,6),
			updated_at = NOW()
		WHERE agent_address = $1 AND chain = $2
	`, agentAddr, chain, amount)
	if err != nil {
		return fmt.Errorf("apply rollback: %w", err)
	}

	if err := s.appendEntry(ctx, tx, agentAddr, chain, EntryRollback, amount, reference); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) History(ctx context.Context, agentAddr, chain string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_address, chain, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE agent_address = $1 AND chain = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, agentAddr, chain, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AgentAddr, &e.Chain, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) HasCredit(ctx context.Context, proofID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_credits WHERE proof_id = $1)`, proofID,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) HasDebit(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE type = 'debit' AND reference = $1)`, reference,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) appendEntry(ctx context.Context, tx *sql.Tx, agentAddr, chain, entryType, amount, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, agent_address, chain, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, NOW())
	`, idgen.WithPrefix("entry_"), agentAddr, chain, entryType, amount, nullString(reference))
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
