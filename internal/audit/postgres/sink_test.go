package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/askledger/askledger/internal/audit"
)

func TestWriteInsertsRecordsInOneTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	sink, err := NewSink(db)
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}

	started := time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
	records := []audit.Record{
		{
			RunID:          "run-1",
			TenantID:       "tenant-a",
			Question:       "how many invoices",
			Classification: "sql",
			Attempts:       []audit.Attempt{{Seq: 0, Statement: "SELECT count(*) FROM invoices", Valid: true}},
			FinalStatement: "SELECT count(*) FROM invoices WHERE invoices.company_id = 'tenant-a'",
			Outcome:        audit.OutcomeAnsweredSQL,
			RowCount:       1,
			StartedAt:      started,
			FinishedAt:     started.Add(time.Second),
		},
		{
			RunID:          "run-2",
			TenantID:       "tenant-a",
			Question:       "what does DSO mean",
			Classification: "nl",
			Outcome:        audit.OutcomeAnsweredNL,
			StartedAt:      started,
			FinishedAt:     started,
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertRecordSQL)).
		WithArgs("run-1", "tenant-a", "", "how many invoices", "sql", sqlmock.AnyArg(), records[0].FinalStatement, "answered_sql", 1, started, started.Add(time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertRecordSQL)).
		WithArgs("run-2", "tenant-a", "", "what does DSO mean", "nl", []byte("null"), "", "answered_nl", 0, started, started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := sink.Write(context.Background(), records); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestWriteRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	sink, err := NewSink(db)
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertRecordSQL)).WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()

	err = sink.Write(context.Background(), []audit.Record{{RunID: "run-x"}})
	if err == nil || !strings.Contains(err.Error(), "run-x") {
		t.Fatalf("Write() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestWriteEmptyBatchIsNoop(t *testing.T) {
	db, mock := newSQLMock(t)
	sink, err := NewSink(db)
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	if err := sink.Write(context.Background(), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
