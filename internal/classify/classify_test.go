package classify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/askledger/askledger/internal/nl2sql"
)

type stubJudge struct {
	judgement nl2sql.Judgement
	err       error
	calls     int
}

func (s *stubJudge) Judge(ctx context.Context, text string) (nl2sql.Judgement, error) {
	s.calls++
	return s.judgement, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassifyConfidentSQL(t *testing.T) {
	judge := &stubJudge{judgement: nl2sql.Judgement{Kind: nl2sql.KindSQL, Confidence: 0.9}}
	c := New(judge, 0.6, quietLogger())

	got, err := c.Classify(context.Background(), nl2sql.Draft{Text: "SELECT name FROM customers WHERE city = 'Mumbai'"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if !got.IsSQL() || got.LowConfidence || got.Confidence != 0.9 {
		t.Fatalf("Classify() = %+v", got)
	}
}

func TestClassifyLowConfidenceFallsBackToNL(t *testing.T) {
	judge := &stubJudge{judgement: nl2sql.Judgement{Kind: nl2sql.KindSQL, Confidence: 0.4}}
	c := New(judge, 0.6, quietLogger())

	got, err := c.Classify(context.Background(), nl2sql.Draft{Text: "SELECT 1"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.IsSQL() || !got.LowConfidence || got.Reason != ReasonLowConfidence {
		t.Fatalf("Classify() = %+v", got)
	}
}

func TestClassifyNarrativeAnswerStaysNL(t *testing.T) {
	judge := &stubJudge{judgement: nl2sql.Judgement{Kind: nl2sql.KindNL, Confidence: 0.95}}
	c := New(judge, 0.6, quietLogger())

	got, err := c.Classify(context.Background(), nl2sql.Draft{Text: "Your business is growing steadily this quarter."})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.IsSQL() || got.LowConfidence {
		t.Fatalf("Classify() = %+v", got)
	}
}

func TestClassifyDowngradesSQLVerdictOnProse(t *testing.T) {
	judge := &stubJudge{judgement: nl2sql.Judgement{Kind: nl2sql.KindSQL, Confidence: 0.99}}
	c := New(judge, 0.6, quietLogger())

	got, err := c.Classify(context.Background(), nl2sql.Draft{Text: "You could select the Mumbai customers from the list."})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.IsSQL() || got.Reason != ReasonNotStatement {
		t.Fatalf("Classify() = %+v", got)
	}
}

func TestClassifyOracleFailureIsNL(t *testing.T) {
	judge := &stubJudge{err: errors.New("upstream 503")}
	c := New(judge, 0.6, quietLogger())

	got, err := c.Classify(context.Background(), nl2sql.Draft{Text: "SELECT 1"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.IsSQL() || got.Confidence != 0 || got.Reason != ReasonOracleFailed {
		t.Fatalf("Classify() = %+v", got)
	}
}

func TestClassifyReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	judge := &stubJudge{err: context.Canceled}
	c := New(judge, 0.6, quietLogger())

	if _, err := c.Classify(ctx, nl2sql.Draft{Text: "SELECT 1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Classify() error = %v", err)
	}
}

func TestClassifyClampsConfidence(t *testing.T) {
	judge := &stubJudge{judgement: nl2sql.Judgement{Kind: nl2sql.KindSQL, Confidence: 7}}
	c := New(judge, 0.6, quietLogger())

	got, err := c.Classify(context.Background(), nl2sql.Draft{Text: "SELECT 1"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.Confidence != 1 {
		t.Fatalf("Confidence = %v", got.Confidence)
	}
}

func TestClassifyWithoutOracleUsesKeywordCheck(t *testing.T) {
	c := New(nil, 0, quietLogger())

	sql, _ := c.Classify(context.Background(), nl2sql.Draft{Text: "```sql\nWITH t AS (SELECT 1) SELECT * FROM t\n```"})
	if !sql.IsSQL() {
		t.Fatalf("Classify(sql) = %+v", sql)
	}
	nl, _ := c.Classify(context.Background(), nl2sql.Draft{Text: "How is business doing? Quite well."})
	if nl.IsSQL() {
		t.Fatalf("Classify(nl) = %+v", nl)
	}
}

func TestClassifyWithoutOracleKeepsKeywordLedProseAsNL(t *testing.T) {
	c := New(nil, 0, quietLogger())
	drafts := []string{
		"With sales up 12% this quarter, receivables are holding steady.",
		"Do you want the figures by month or by quarter?",
		"Table stakes: revenue is steady.",
		"Set aside 5% of revenue for taxes.",
		"Values of open invoices fell in March.",
	}
	for _, text := range drafts {
		got, err := c.Classify(context.Background(), nl2sql.Draft{Text: text})
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", text, err)
		}
		if got.IsSQL() || got.Reason != ReasonNotStatement {
			t.Fatalf("Classify(%q) = %+v", text, got)
		}
	}

	got, _ := c.Classify(context.Background(), nl2sql.Draft{Text: "TABLE customers"})
	if !got.IsSQL() {
		t.Fatalf("Classify(TABLE customers) = %+v", got)
	}
}

func TestParsesAsStatement(t *testing.T) {
	cases := map[string]bool{
		"```sql\nSELECT name FROM customers\n```": true,
		"VALUES (1), (2)":                         true,
		"With sales up 12% this quarter.":         false,
		"SELECT name FROM customers WHERE":        false,
		"":                                        false,
	}
	for text, want := range cases {
		if got := ParsesAsStatement(text); got != want {
			t.Fatalf("ParsesAsStatement(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestLooksLikeStatementSkipsComments(t *testing.T) {
	cases := map[string]bool{
		"-- customers in Mumbai\nSELECT 1":  true,
		"/* note */ select * from invoices": true,
		"(SELECT 1) UNION (SELECT 2)":       true,
		"Selected customers are shown.":     false,
		"":                                  false,
	}
	for text, want := range cases {
		if got := LooksLikeStatement(text); got != want {
			t.Fatalf("LooksLikeStatement(%q) = %v, want %v", text, got, want)
		}
	}
}
