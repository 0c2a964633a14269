package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askledger/askledger/internal/schema"
)

const columnsQuery = `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

const relationsQuery = `
SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1
ORDER BY kcu.table_name, kcu.column_name`

type SourceConfig struct {
	SchemaName     string
	TenantColumn   string
	ExcludedTables []string
	// SharedTables are the only tables without the tenant column that are
	// reported.
	SharedTables []string
	Clock        func() time.Time
}

// Source reads table metadata from information_schema. Every tenant sees the
// same tables; row visibility is enforced at query time.
type Source struct {
	db           *sql.DB
	schemaName   string
	tenantColumn string
	excluded     map[string]struct{}
	shared       map[string]struct{}
	clock        func() time.Time
}

func NewSource(db *sql.DB, cfg SourceConfig) (*Source, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	schemaName := strings.TrimSpace(cfg.SchemaName)
	if schemaName == "" {
		schemaName = "public"
	}
	tenantColumn := strings.ToLower(strings.TrimSpace(cfg.TenantColumn))
	if tenantColumn == "" {
		return nil, fmt.Errorf("tenant column is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Source{
		db:           db,
		schemaName:   schemaName,
		tenantColumn: tenantColumn,
		excluded:     nameSet(cfg.ExcludedTables),
		shared:       nameSet(cfg.SharedTables),
		clock:        clock,
	}, nil
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func (s *Source) FetchSchema(ctx context.Context, tenantID string) (schema.Snapshot, error) {
	if _, err := uuid.Parse(tenantID); err != nil {
		return schema.Snapshot{}, fmt.Errorf("%w: %q", schema.ErrUnknownTenant, tenantID)
	}

	tables, err := s.loadColumns(ctx)
	if err != nil {
		return schema.Snapshot{}, err
	}
	if err := s.loadRelations(ctx, tables); err != nil {
		return schema.Snapshot{}, err
	}

	return schema.Snapshot{
		TenantID:   tenantID,
		CapturedAt: s.clock().UTC(),
		Tables:     tables,
	}, nil
}

func (s *Source) loadColumns(ctx context.Context) (map[string]schema.Table, error) {
	rows, err := s.db.QueryContext(ctx, columnsQuery, s.schemaName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := map[string]schema.Table{}
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		tableName = strings.ToLower(tableName)
		if _, skip := s.excluded[tableName]; skip {
			continue
		}
		columnName = strings.ToLower(columnName)

		table := tables[tableName]
		table.Name = tableName
		table.Columns = append(table.Columns, schema.Column{Name: columnName, Type: dataType})
		if columnName == s.tenantColumn {
			table.TenantScoped = true
		}
		tables[tableName] = table
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	for name, table := range tables {
		if _, ok := s.shared[name]; !table.TenantScoped && !ok {
			delete(tables, name)
		}
	}
	return tables, nil
}

func (s *Source) loadRelations(ctx context.Context, tables map[string]schema.Table) error {
	rows, err := s.db.QueryContext(ctx, relationsQuery, s.schemaName)
	if err != nil {
		return fmt.Errorf("query relations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tableName, columnName, refTable, refColumn string
		if err := rows.Scan(&tableName, &columnName, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan relation: %w", err)
		}
		table, ok := tables[strings.ToLower(tableName)]
		if !ok {
			continue
		}
		if _, known := tables[strings.ToLower(refTable)]; !known {
			continue
		}
		table.Relations = append(table.Relations, schema.Relation{
			Column:    strings.ToLower(columnName),
			RefTable:  strings.ToLower(refTable),
			RefColumn: strings.ToLower(refColumn),
		})
		tables[table.Name] = table
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}
