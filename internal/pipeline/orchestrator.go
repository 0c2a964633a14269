package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/askledger/askledger/internal/audit"
	"github.com/askledger/askledger/internal/classify"
	"github.com/askledger/askledger/internal/format"
	"github.com/askledger/askledger/internal/nl2sql"
	"github.com/askledger/askledger/internal/query"
	"github.com/askledger/askledger/internal/rewrite"
	"github.com/askledger/askledger/internal/schema"
	"github.com/askledger/askledger/internal/sqlguard"
)

type SchemaProvider interface {
	Get(ctx context.Context, tenantID string) (schema.Snapshot, error)
}

type Classifier interface {
	Classify(ctx context.Context, draft nl2sql.Draft) (classify.Classification, error)
}

type Rewriter interface {
	Run(ctx context.Context, in rewrite.Input) (rewrite.Outcome, error)
}

type Config struct {
	RequestTimeout time.Duration
	RowLimit       int
}

type Dependencies struct {
	Schemas    SchemaProvider
	Drafter    nl2sql.Drafter
	Classifier Classifier
	Rewriter   Rewriter
	Gateway    query.Gateway
	Formatter  format.Formatter
	Audit      audit.Recorder
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Orchestrator runs one question through draft, classification and, for SQL,
// the validate/rewrite loop and tenant-scoped execution. Runs share nothing
// but the schema cache and the gateway's connection pool.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
}

func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Schemas == nil:
		return nil, fmt.Errorf("schema provider is required")
	case deps.Drafter == nil:
		return nil, fmt.Errorf("drafter is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case deps.Rewriter == nil:
		return nil, fmt.Errorf("rewriter is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("gateway is required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Formatter.PreviewRows <= 0 {
		deps.Formatter = format.New(0)
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// run accumulates what the audit record and the run log need.
type run struct {
	id             string
	query          Query
	startedAt      time.Time
	classification classify.Classification
	attempts       []rewrite.Attempt
	finalStatement string
	rowCount       int
	outcome        audit.Outcome
}

func (o *Orchestrator) Run(ctx context.Context, q Query) (answer format.Answer, err error) {
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	state := &run{id: uuid.NewString(), query: q, startedAt: o.deps.Clock()}
	defer func() { o.finish(ctx, state, err) }()

	snapshot, schemaErr := o.deps.Schemas.Get(ctx, q.TenantID)
	if schemaErr != nil {
		if failure := interrupted(ctx); failure != nil {
			state.outcome = audit.OutcomeCancelled
			return format.Answer{}, failure
		}
		o.deps.Logger.WarnContext(ctx, "schema unavailable before drafting",
			"run_id", state.id,
			"tenant_id", q.TenantID,
			"error", schemaErr,
		)
	}

	text, err := o.deps.Drafter.Draft(ctx, nl2sql.DraftRequest{
		TenantID: q.TenantID,
		Question: q.Text,
		Tables:   tableContexts(snapshot),
	})
	if err != nil {
		return format.Answer{}, o.draftFailure(ctx, state, err)
	}
	draft := nl2sql.Draft{Text: text, Attempt: 0, CreatedAt: o.deps.Clock()}

	classification, err := o.deps.Classifier.Classify(ctx, draft)
	if err != nil {
		state.outcome = audit.OutcomeCancelled
		return format.Answer{}, interruptedOr(ctx, err)
	}
	state.classification = classification
	if classification.LowConfidence {
		lowConfidenceTotal.Inc()
	}

	if !classification.IsSQL() {
		state.outcome = audit.OutcomeAnsweredNL
		return o.deps.Formatter.FormatDraft(draft), nil
	}

	if schemaErr != nil {
		snapshot, schemaErr = o.deps.Schemas.Get(ctx, q.TenantID)
		if schemaErr != nil {
			if failure := interrupted(ctx); failure != nil {
				state.outcome = audit.OutcomeCancelled
				return format.Answer{}, failure
			}
			state.outcome = audit.OutcomeSchemaUnavailable
			return format.Answer{}, fail(CodeSchemaUnavailable, "schema information for your company is unavailable, please try again shortly", schemaErr)
		}
	}

	outcome, err := o.deps.Rewriter.Run(ctx, rewrite.Input{
		TenantID: q.TenantID,
		Question: q.Text,
		Tables:   tableContexts(snapshot),
		Snapshot: snapshot,
		Initial:  draft,
	})
	state.attempts = outcome.Attempts
	if err != nil {
		return format.Answer{}, o.draftFailure(ctx, state, err)
	}
	draftsPerRun.Observe(float64(len(outcome.Attempts)))

	statement, ok := outcome.Statement()
	if !ok {
		state.outcome = audit.OutcomeRewriteExhausted
		return format.Answer{}, fail(CodeRewriteExhausted, "could not produce a valid query for this question, try rephrasing it", rewrite.ErrExhausted)
	}
	state.finalStatement = statement

	result, err := o.deps.Gateway.Execute(ctx, query.Request{
		SQL:      statement,
		TenantID: q.TenantID,
		RowLimit: o.cfg.RowLimit,
	})
	if err != nil {
		if failure := interrupted(ctx); failure != nil {
			state.outcome = audit.OutcomeCancelled
			return format.Answer{}, failure
		}
		state.outcome = audit.OutcomeExecutionFailed
		return format.Answer{}, fail(CodeExecutionFailed, executionMessage(err), err)
	}

	state.rowCount = len(result.Rows)
	state.outcome = audit.OutcomeAnsweredSQL
	return o.deps.Formatter.FormatResult(q.Text, statement, result), nil
}

func (o *Orchestrator) draftFailure(ctx context.Context, state *run, err error) error {
	if failure := interrupted(ctx); failure != nil {
		state.outcome = audit.OutcomeCancelled
		return failure
	}
	state.outcome = audit.OutcomeDraftFailed
	return fail(CodeDraftFailed, "the language model did not respond, please try again", err)
}

func (o *Orchestrator) finish(ctx context.Context, state *run, err error) {
	finishedAt := o.deps.Clock()
	elapsed := finishedAt.Sub(state.startedAt)
	kind := string(state.classification.Kind)
	if kind == "" {
		kind = "unclassified"
	}
	runsTotal.WithLabelValues(string(state.outcome)).Inc()
	runDuration.WithLabelValues(kind).Observe(elapsed.Seconds())

	attrs := []any{
		"run_id", state.id,
		"tenant_id", state.query.TenantID,
		"session_id", state.query.SessionID,
		"kind", kind,
		"confidence", state.classification.Confidence,
		"attempts", len(state.attempts),
		"outcome", string(state.outcome),
		"row_count", state.rowCount,
		"duration_ms", elapsed.Milliseconds(),
	}
	if err != nil {
		o.deps.Logger.WarnContext(ctx, "ask_run", append(attrs, "error", err)...)
	} else {
		o.deps.Logger.InfoContext(ctx, "ask_run", attrs...)
	}

	o.deps.Audit.Submit(audit.Record{
		RunID:          state.id,
		TenantID:       state.query.TenantID,
		SessionID:      state.query.SessionID,
		Question:       state.query.Text,
		Classification: kind,
		Attempts:       auditAttempts(state.attempts),
		FinalStatement: state.finalStatement,
		Outcome:        state.outcome,
		RowCount:       state.rowCount,
		StartedAt:      state.startedAt,
		FinishedAt:     finishedAt,
	})
}

// interrupted reports a timeout or cancellation of the run itself.
func interrupted(ctx context.Context) *Failure {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return fail(CodeTimeout, "the request took too long and was stopped", err)
	case errors.Is(err, context.Canceled):
		return fail(CodeCancelled, "the request was cancelled", err)
	}
	return nil
}

func interruptedOr(ctx context.Context, err error) error {
	if failure := interrupted(ctx); failure != nil {
		return failure
	}
	return fail(CodeCancelled, "the request was cancelled", err)
}

func executionMessage(err error) string {
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		switch execErr.Category {
		case query.CategoryTimeout:
			return "the query took too long to run"
		case query.CategoryConnectivity:
			return "the database is temporarily unreachable"
		case query.CategoryPermission:
			return "the query was not permitted"
		}
	}
	return "the query could not be executed"
}

func tableContexts(snapshot schema.Snapshot) []nl2sql.TableContext {
	names := snapshot.TableNames()
	if len(names) == 0 {
		return nil
	}
	contexts := make([]nl2sql.TableContext, 0, len(names))
	for _, name := range names {
		table, _ := snapshot.Table(name)
		contexts = append(contexts, nl2sql.TableContext{
			TableName:    name,
			Columns:      table.ColumnNames(),
			TenantScoped: table.TenantScoped,
		})
	}
	return contexts
}

func auditAttempts(attempts []rewrite.Attempt) []audit.Attempt {
	if len(attempts) == 0 {
		return nil
	}
	out := make([]audit.Attempt, 0, len(attempts))
	for _, attempt := range attempts {
		statement := attempt.Draft.Text
		if attempt.Result.Valid {
			statement = attempt.Result.NormalizedSQL
		}
		out = append(out, audit.Attempt{
			Seq:       attempt.Seq,
			Statement: statement,
			Valid:     attempt.Result.Valid,
			Defects:   sqlguard.DefectStrings(attempt.Result.Defects),
		})
	}
	return out
}
