package schema

import (
	"sort"
	"strings"
	"time"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Relation struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

type Table struct {
	Name         string     `json:"name"`
	Columns      []Column   `json:"columns"`
	Relations    []Relation `json:"relations,omitempty"`
	TenantScoped bool       `json:"tenant_scoped"`
}

// Snapshot is the schema metadata visible to one tenant at CapturedAt.
// Snapshots handed out by the Cache are shared and must be treated as read-only.
type Snapshot struct {
	TenantID   string           `json:"tenant_id"`
	Version    int64            `json:"version"`
	CapturedAt time.Time        `json:"captured_at"`
	Tables     map[string]Table `json:"tables"`
}

// Table looks up a table by name. Names are matched case-insensitively.
func (s Snapshot) Table(name string) (Table, bool) {
	table, ok := s.Tables[strings.ToLower(name)]
	return table, ok
}

func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t Table) HasColumn(name string) bool {
	name = strings.ToLower(name)
	for _, column := range t.Columns {
		if column.Name == name {
			return true
		}
	}
	return false
}

func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}
