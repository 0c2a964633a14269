package query

import (
	"context"
	"time"
)

type Request struct {
	SQL      string
	TenantID string
	RowLimit int
}

// Result holds the rows of one execution. Truncated reports that more rows
// were available than RowLimit allowed.
type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

type Gateway interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

type Category string

const (
	CategoryConstraint   Category = "constraint"
	CategoryTimeout      Category = "timeout"
	CategoryConnectivity Category = "connectivity"
	CategoryPermission   Category = "permission"
	CategoryStatement    Category = "statement"
	CategoryCancelled    Category = "cancelled"
	CategoryUnknown      Category = "unknown"
)

// ExecutionError is the only error a Gateway returns for store faults. It
// carries a coarse category; the store's own message stays behind the gateway.
type ExecutionError struct {
	Category Category
	Op       string
}

func (e *ExecutionError) Error() string {
	if e.Op == "" {
		return "execution failed: " + string(e.Category)
	}
	return "execution failed during " + e.Op + ": " + string(e.Category)
}
