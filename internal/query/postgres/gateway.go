package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/askledger/askledger/internal/query"
)

var settingNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*\.[a-z_][a-z0-9_]*$`)

type Config struct {
	// TenantSetting is the session setting row-level security policies read,
	// e.g. app.current_company_id.
	TenantSetting    string
	StatementTimeout time.Duration
	DefaultRowLimit  int
}

// Gateway runs validated statements inside a read-only transaction with the
// tenant bound through set_config(..., true). The binding is transaction
// local, so it ends with the transaction on every path out of Execute.
type Gateway struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

func NewGateway(db *sql.DB, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	cfg.TenantSetting = strings.ToLower(strings.TrimSpace(cfg.TenantSetting))
	if !settingNamePattern.MatchString(cfg.TenantSetting) {
		return nil, fmt.Errorf("invalid tenant setting name %q", cfg.TenantSetting)
	}
	if cfg.DefaultRowLimit <= 0 {
		cfg.DefaultRowLimit = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{db: db, cfg: cfg, logger: logger}, nil
}

func (g *Gateway) Execute(ctx context.Context, request query.Request) (result query.Result, err error) {
	start := time.Now()
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if strings.TrimSpace(request.TenantID) == "" {
		return query.Result{}, fmt.Errorf("tenant id is required")
	}
	limit := request.RowLimit
	if limit <= 0 {
		limit = g.cfg.DefaultRowLimit
	}

	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		executions.WithLabelValues(status).Inc()
		executionDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, g.fault(ctx, "begin", request.TenantID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, g.cfg.TenantSetting, request.TenantID); err != nil {
		return query.Result{}, g.fault(ctx, "bind tenant", request.TenantID, err)
	}
	if g.cfg.StatementTimeout > 0 {
		timeoutSQL := fmt.Sprintf("SET LOCAL statement_timeout = %d", g.cfg.StatementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, timeoutSQL); err != nil {
			return query.Result{}, g.fault(ctx, "statement timeout", request.TenantID, err)
		}
	}

	// One extra row tells us whether the limit cut the result short.
	limited := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit+1)
	rows, err := tx.QueryContext(ctx, limited)
	if err != nil {
		return query.Result{}, g.fault(ctx, "query", request.TenantID, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, g.fault(ctx, "columns", request.TenantID, err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == limit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, g.fault(ctx, "scan", request.TenantID, err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, g.fault(ctx, "iterate", request.TenantID, err)
	}
	if err := rows.Close(); err != nil {
		return query.Result{}, g.fault(ctx, "close rows", request.TenantID, err)
	}
	if err := tx.Commit(); err != nil {
		return query.Result{}, g.fault(ctx, "commit", request.TenantID, err)
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

// fault logs the store error and returns only its category to the caller.
func (g *Gateway) fault(ctx context.Context, op, tenantID string, err error) error {
	category := classify(err)
	g.logger.WarnContext(ctx, "statement execution failed",
		"op", op,
		"tenant_id", tenantID,
		"category", string(category),
		"error", err,
	)
	return &query.ExecutionError{Category: category, Op: op}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
