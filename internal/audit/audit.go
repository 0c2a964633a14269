package audit

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeAnsweredNL        Outcome = "answered_nl"
	OutcomeAnsweredSQL       Outcome = "answered_sql"
	OutcomeRewriteExhausted  Outcome = "rewrite_exhausted"
	OutcomeExecutionFailed   Outcome = "execution_failed"
	OutcomeSchemaUnavailable Outcome = "schema_unavailable"
	OutcomeDraftFailed       Outcome = "draft_failed"
	OutcomeCancelled         Outcome = "cancelled"
)

type Attempt struct {
	Seq       int      `json:"seq"`
	Statement string   `json:"statement"`
	Valid     bool     `json:"valid"`
	Defects   []string `json:"defects,omitempty"`
}

// Record describes one completed pipeline run.
type Record struct {
	RunID          string    `json:"run_id"`
	TenantID       string    `json:"tenant_id"`
	SessionID      string    `json:"session_id"`
	Question       string    `json:"question"`
	Classification string    `json:"classification"`
	Attempts       []Attempt `json:"attempts,omitempty"`
	FinalStatement string    `json:"final_statement,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	RowCount       int       `json:"row_count"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// Recorder accepts records without blocking the caller.
type Recorder interface {
	Submit(record Record)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Submit(Record) {}
