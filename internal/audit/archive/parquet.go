package archive

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"

	"github.com/askledger/askledger/internal/audit"
)

type parquetRecord struct {
	RunID            string `parquet:"run_id"`
	TenantID         string `parquet:"tenant_id"`
	SessionID        string `parquet:"session_id"`
	Question         string `parquet:"question"`
	Classification   string `parquet:"classification"`
	AttemptCount     int32  `parquet:"attempt_count"`
	AttemptsJSON     string `parquet:"attempts_json"`
	FinalStatement   string `parquet:"final_statement"`
	Outcome          string `parquet:"outcome"`
	RowCount         int64  `parquet:"row_count"`
	StartedAtUnixMs  int64  `parquet:"started_at_unix_ms"`
	FinishedAtUnixMs int64  `parquet:"finished_at_unix_ms"`
}

func encodeRecords(records []audit.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}
	rows := make([]parquetRecord, 0, len(records))
	for _, record := range records {
		attempts, err := json.Marshal(record.Attempts)
		if err != nil {
			return nil, fmt.Errorf("encode attempts for run %s: %w", record.RunID, err)
		}
		rows = append(rows, parquetRecord{
			RunID:            record.RunID,
			TenantID:         record.TenantID,
			SessionID:        record.SessionID,
			Question:         record.Question,
			Classification:   record.Classification,
			AttemptCount:     int32(len(record.Attempts)),
			AttemptsJSON:     string(attempts),
			FinalStatement:   record.FinalStatement,
			Outcome:          string(record.Outcome),
			RowCount:         int64(record.RowCount),
			StartedAtUnixMs:  record.StartedAt.UnixMilli(),
			FinishedAtUnixMs: record.FinishedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
