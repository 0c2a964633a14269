package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/askledger/askledger/internal/nl2sql"
	"github.com/askledger/askledger/internal/schema"
	"github.com/askledger/askledger/internal/sqlguard"
)

var ErrExhausted = errors.New("rewrite attempts exhausted")

type State string

const (
	StateDrafting   State = "drafting"
	StateValidating State = "validating"
	StateValid      State = "valid"
	StateRewriting  State = "rewriting"
	StateDone       State = "done"
	StateExhausted  State = "exhausted"
)

// Attempt is one draft and its verdict. Defects holds the defects of the
// previous attempt that prompted this one; it is empty for attempt 0.
type Attempt struct {
	Seq     int
	Defects []sqlguard.Defect
	Draft   nl2sql.Draft
	Result  sqlguard.Result
}

type Transition struct {
	From    State
	To      State
	Attempt int
}

type Outcome struct {
	State       State
	Attempts    []Attempt
	Transitions []Transition
}

// Statement returns the statement to execute. It is only available when the
// loop finished in StateDone, which requires the latest attempt to be valid.
func (o Outcome) Statement() (string, bool) {
	if o.State != StateDone || len(o.Attempts) == 0 {
		return "", false
	}
	last := o.Attempts[len(o.Attempts)-1].Result
	if !last.Valid {
		return "", false
	}
	return last.NormalizedSQL, true
}

type Validator interface {
	Validate(statement, tenantID string, snapshot schema.Snapshot) sqlguard.Result
}

type Input struct {
	TenantID string
	Question string
	Tables   []nl2sql.TableContext
	Snapshot schema.Snapshot
	Initial  nl2sql.Draft
}

type Controller struct {
	drafter     nl2sql.Drafter
	validator   Validator
	maxAttempts int
	logger      *slog.Logger
	clock       func() time.Time
}

func NewController(drafter nl2sql.Drafter, validator Validator, maxAttempts int, logger *slog.Logger) (*Controller, error) {
	if drafter == nil {
		return nil, fmt.Errorf("drafter is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{drafter: drafter, validator: validator, maxAttempts: maxAttempts, logger: logger, clock: time.Now}, nil
}

// Run validates the initial draft and requests corrected drafts until one is
// valid or MaxAttempts rewrites have been spent, so at most MaxAttempts+1
// drafts are validated. Exhaustion is reported through the outcome state;
// errors are reserved for drafter failures and cancellation.
func (c *Controller) Run(ctx context.Context, in Input) (Outcome, error) {
	out := Outcome{}
	state := StateValidating
	draft := in.Initial
	draft.Text = nl2sql.StripMarkdownSQL(draft.Text)
	seq := draft.Attempt
	var pending []sqlguard.Defect
	var result sqlguard.Result

	move := func(next State) {
		out.Transitions = append(out.Transitions, Transition{From: state, To: next, Attempt: seq})
		state = next
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		switch state {
		case StateDrafting:
			req := nl2sql.DraftRequest{
				TenantID:     in.TenantID,
				Question:     in.Question,
				Tables:       in.Tables,
				Attempt:      seq,
				PreviousSQL:  draft.Text,
				PriorDefects: sqlguard.DefectStrings(pending),
			}
			text, err := c.drafter.Draft(ctx, req)
			if err != nil {
				return out, fmt.Errorf("draft attempt %d: %w", seq, err)
			}
			draft = nl2sql.Draft{Text: nl2sql.StripMarkdownSQL(text), Attempt: seq, CreatedAt: c.clock()}
			move(StateValidating)

		case StateValidating:
			result = c.validator.Validate(draft.Text, in.TenantID, in.Snapshot)
			out.Attempts = append(out.Attempts, Attempt{Seq: seq, Defects: pending, Draft: draft, Result: result})
			switch {
			case result.Valid:
				move(StateValid)
			case len(out.Attempts) > c.maxAttempts:
				move(StateExhausted)
			default:
				move(StateRewriting)
			}

		case StateValid:
			move(StateDone)

		case StateRewriting:
			c.logger.Debug("statement rejected, requesting rewrite",
				"tenant_id", in.TenantID,
				"attempt", seq,
				"defects", sqlguard.DefectStrings(result.Defects),
			)
			pending = result.Defects
			seq++
			move(StateDrafting)

		case StateDone, StateExhausted:
			out.State = state
			return out, nil
		}
	}
}
