package classify

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/askledger/askledger/internal/nl2sql"
)

const DefaultThreshold = 0.6

type Reason string

const (
	ReasonOracle        Reason = "oracle"
	ReasonLowConfidence Reason = "low_confidence"
	ReasonNotStatement  Reason = "not_a_statement"
	ReasonOracleFailed  Reason = "oracle_failed"
	ReasonHeuristic     Reason = "heuristic"
)

// Classification labels a draft. A low-confidence SQL judgement is
// downgraded to NL and flagged; it is never an error.
type Classification struct {
	Kind          nl2sql.Kind
	Confidence    float64
	LowConfidence bool
	Reason        Reason
}

func (c Classification) IsSQL() bool {
	return c.Kind == nl2sql.KindSQL
}

type Classifier struct {
	oracle    nl2sql.Judge
	threshold float64
	logger    *slog.Logger
}

// New builds a classifier. A nil oracle falls back to a structural check: the
// draft must start with a statement keyword and parse as a whole.
func New(oracle nl2sql.Judge, threshold float64, logger *slog.Logger) *Classifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{oracle: oracle, threshold: threshold, logger: logger}
}

// Classify decides whether a draft is a SQL statement. The only error it
// returns is the context's.
func (c *Classifier) Classify(ctx context.Context, draft nl2sql.Draft) (Classification, error) {
	looksLikeSQL := LooksLikeStatement(draft.Text)

	if c.oracle == nil {
		switch {
		case !looksLikeSQL:
			return Classification{Kind: nl2sql.KindNL, Confidence: 1, Reason: ReasonHeuristic}, nil
		case !ParsesAsStatement(draft.Text):
			// "With sales up 12%..." starts with a keyword and is still prose.
			return Classification{Kind: nl2sql.KindNL, Confidence: 1, Reason: ReasonNotStatement}, nil
		default:
			return Classification{Kind: nl2sql.KindSQL, Confidence: 1, Reason: ReasonHeuristic}, nil
		}
	}

	judgement, err := c.oracle.Judge(ctx, draft.Text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Classification{}, ctxErr
		}
		c.logger.Warn("classification oracle failed, treating draft as natural language", "attempt", draft.Attempt, "error", err)
		return Classification{Kind: nl2sql.KindNL, Confidence: 0, Reason: ReasonOracleFailed}, nil
	}

	confidence := clamp(judgement.Confidence)
	if judgement.Kind != nl2sql.KindSQL {
		return Classification{Kind: nl2sql.KindNL, Confidence: confidence, Reason: ReasonOracle}, nil
	}
	if confidence < c.threshold {
		return Classification{Kind: nl2sql.KindNL, Confidence: confidence, LowConfidence: true, Reason: ReasonLowConfidence}, nil
	}
	if !looksLikeSQL {
		return Classification{Kind: nl2sql.KindNL, Confidence: confidence, Reason: ReasonNotStatement}, nil
	}
	return Classification{Kind: nl2sql.KindSQL, Confidence: confidence, Reason: ReasonOracle}, nil
}

var (
	lineComment  = regexp.MustCompile(`^--[^\n]*\n?`)
	blockComment = regexp.MustCompile(`^(?s)/\*.*?\*/`)
	leadingWord  = regexp.MustCompile(`^[A-Za-z]+`)
)

var statementKeywords = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {},
	"CREATE": {}, "ALTER": {}, "DROP": {}, "TRUNCATE": {}, "GRANT": {}, "REVOKE": {},
	"VALUES": {}, "TABLE": {}, "EXPLAIN": {}, "COPY": {}, "CALL": {}, "DO": {}, "SET": {},
}

// LooksLikeStatement reports whether text, once markdown fences and leading
// comments are removed, begins with a SQL statement keyword.
func LooksLikeStatement(text string) bool {
	body := nl2sql.StripMarkdownSQL(text)
	for {
		body = strings.TrimLeft(body, " \t\r\n(")
		switch {
		case lineComment.MatchString(body):
			body = lineComment.ReplaceAllString(body, "")
		case blockComment.MatchString(body):
			body = blockComment.ReplaceAllString(body, "")
		default:
			word := strings.ToUpper(leadingWord.FindString(body))
			_, ok := statementKeywords[word]
			return ok
		}
	}
}

// ParsesAsStatement reports whether text, once markdown fences are removed,
// is accepted by the Postgres parser as one or more statements.
func ParsesAsStatement(text string) bool {
	tree, err := pg_query.Parse(nl2sql.StripMarkdownSQL(text))
	return err == nil && len(tree.GetStmts()) > 0
}

func clamp(value float64) float64 {
	switch {
	case value < 0 || math.IsNaN(value):
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}
