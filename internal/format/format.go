package format

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/askledger/askledger/internal/nl2sql"
	"github.com/askledger/askledger/internal/query"
)

type Provenance string

const (
	ProvenanceNLOnly      Provenance = "nl-only"
	ProvenanceExecutedSQL Provenance = "executed-sql"
)

type Answer struct {
	Text       string     `json:"answer"`
	Provenance Provenance `json:"provenance"`
	Statement  string     `json:"statement,omitempty"`
	RowCount   int        `json:"row_count"`
	Truncated  bool       `json:"truncated,omitempty"`
	Columns    []string   `json:"columns,omitempty"`
	Preview    [][]any    `json:"preview,omitempty"`
}

type Formatter struct {
	PreviewRows  int
	MaxCellWidth int
}

func New(previewRows int) Formatter {
	if previewRows <= 0 {
		previewRows = 10
	}
	return Formatter{PreviewRows: previewRows, MaxCellWidth: 40}
}

// FormatDraft passes a natural-language draft through byte for byte,
// surrounding whitespace included.
func (f Formatter) FormatDraft(draft nl2sql.Draft) Answer {
	return Answer{Text: draft.Text, Provenance: ProvenanceNLOnly}
}

// FormatResult summarises an execution: row count, a bounded preview and
// the statement that produced it.
func (f Formatter) FormatResult(question, statement string, result query.Result) Answer {
	previewRows := f.PreviewRows
	if previewRows <= 0 {
		previewRows = 10
	}
	preview := result.Rows
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}

	answer := Answer{
		Provenance: ProvenanceExecutedSQL,
		Statement:  statement,
		RowCount:   len(result.Rows),
		Truncated:  result.Truncated,
		Columns:    result.Columns,
		Preview:    preview,
	}

	var b strings.Builder
	switch {
	case len(result.Rows) == 0:
		fmt.Fprintf(&b, "No matching records found for %q.", strings.TrimSpace(question))
		answer.Text = b.String()
		return answer
	case result.Truncated:
		fmt.Fprintf(&b, "Found more than %d records for %q", len(result.Rows), strings.TrimSpace(question))
	case len(result.Rows) == 1:
		fmt.Fprintf(&b, "Found 1 record for %q", strings.TrimSpace(question))
	default:
		fmt.Fprintf(&b, "Found %d records for %q", len(result.Rows), strings.TrimSpace(question))
	}
	if len(preview) < len(result.Rows) {
		fmt.Fprintf(&b, " (showing the first %d)", len(preview))
	}
	b.WriteString(".\n\n")
	b.WriteString(f.renderTable(result.Columns, preview))
	answer.Text = strings.TrimRight(b.String(), "\n")
	return answer
}

func (f Formatter) renderTable(columns []string, rows [][]any) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(columns, "\t"))
	rules := make([]string, len(columns))
	for i, column := range columns {
		rules[i] = strings.Repeat("-", len(column))
	}
	_, _ = fmt.Fprintln(w, strings.Join(rules, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = f.cell(value)
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
	return b.String()
}

func (f Formatter) cell(value any) string {
	var text string
	switch typed := value.(type) {
	case nil:
		text = "NULL"
	case time.Time:
		text = typed.Format(time.RFC3339)
	case []byte:
		text = string(typed)
	default:
		text = fmt.Sprint(typed)
	}
	text = strings.NewReplacer("\t", " ", "\n", " ").Replace(text)
	if f.MaxCellWidth > 3 && len([]rune(text)) > f.MaxCellWidth {
		text = string([]rune(text)[:f.MaxCellWidth-3]) + "..."
	}
	return text
}
