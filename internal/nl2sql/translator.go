package nl2sql

import (
	"context"
	"time"
)

type Kind string

const (
	KindNL  Kind = "nl"
	KindSQL Kind = "sql"
)

type TableContext struct {
	TableName    string   `json:"table_name"`
	Columns      []string `json:"columns"`
	TenantScoped bool     `json:"tenant_scoped"`
}

// DraftRequest is everything a Drafter needs for one attempt. The drafter is
// stateless, so rewrite attempts carry the previous statement and its defects.
type DraftRequest struct {
	TenantID     string         `json:"tenant_id"`
	Question     string         `json:"question"`
	Tables       []TableContext `json:"tables"`
	Attempt      int            `json:"attempt"`
	PreviousSQL  string         `json:"previous_sql,omitempty"`
	PriorDefects []string       `json:"prior_defects,omitempty"`
}

// Draft is one candidate response. Attempt 0 is the initial draft.
type Draft struct {
	Text      string
	Attempt   int
	CreatedAt time.Time
}

type Judgement struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
}

type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

type Judge interface {
	Judge(ctx context.Context, text string) (Judgement, error)
}
