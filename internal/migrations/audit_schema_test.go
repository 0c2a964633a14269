package migrations

import (
	"strings"
	"testing"
)

func TestAuditMigrationContainsRequiredTableAndIndexes(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_query_audit.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE query_audit",
		"run_id UUID PRIMARY KEY",
		"attempts JSONB",
		"'rewrite_exhausted'",
		"CREATE INDEX idx_query_audit_tenant_finished_desc",
	}
	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	items, err := loadMigrations(embeddedFS)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(items) != 1 || items[0].Version != 1 {
		t.Fatalf("migrations = %+v", items)
	}
}
