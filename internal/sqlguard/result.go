package sqlguard

import "fmt"

type DefectKind string

const (
	DefectSchemaMismatch        DefectKind = "schema_mismatch"
	DefectSyntaxError           DefectKind = "syntax_error"
	DefectUnauthorizedStatement DefectKind = "unauthorized_statement"
)

type Defect struct {
	Kind   DefectKind `json:"kind"`
	Detail string     `json:"detail"`
	// Position is the 1-based character offset in the validated statement,
	// or 0 when unknown.
	Position int `json:"position,omitempty"`
}

func (d Defect) String() string {
	if d.Position > 0 {
		return fmt.Sprintf("%s: %s (at position %d)", d.Kind, d.Detail, d.Position)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Detail)
}

// Result is the verdict for one statement. NormalizedSQL is set only when
// Valid; Defects is non-empty only when it is not.
type Result struct {
	Valid          bool     `json:"valid"`
	NormalizedSQL  string   `json:"normalized_sql,omitempty"`
	Defects        []Defect `json:"defects,omitempty"`
	TenantInjected bool     `json:"tenant_injected,omitempty"`
}

func DefectStrings(defects []Defect) []string {
	if len(defects) == 0 {
		return nil
	}
	out := make([]string, 0, len(defects))
	for _, defect := range defects {
		out = append(out, defect.String())
	}
	return out
}

func invalid(defects ...Defect) Result {
	return Result{Defects: defects}
}
