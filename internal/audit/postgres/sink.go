package postgres

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/askledger/askledger/internal/audit"
)

const insertRecordSQL = `INSERT INTO query_audit (
	run_id, tenant_id, session_id, question, classification, attempts,
	final_statement, outcome, row_count, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
ON CONFLICT (run_id) DO NOTHING`

// Sink persists audit records to the query_audit table.
type Sink struct {
	db *sql.DB
}

func NewSink(db *sql.DB) (*Sink, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Write(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, record := range records {
		attempts, err := json.Marshal(record.Attempts)
		if err != nil {
			return fmt.Errorf("encode attempts for run %s: %w", record.RunID, err)
		}
		if _, err := tx.ExecContext(ctx, insertRecordSQL,
			record.RunID,
			record.TenantID,
			record.SessionID,
			record.Question,
			record.Classification,
			attempts,
			record.FinalStatement,
			string(record.Outcome),
			record.RowCount,
			record.StartedAt.UTC(),
			record.FinishedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert audit record %s: %w", record.RunID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}
