package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "askledger_schema_migrations"
	// advisoryLockKey serialises concurrent migrate runs against one catalog.
	advisoryLockKey int64 = 0x61736b6c
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

// Status describes one known migration and whether the catalog has it.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Drifted is set when the applied script no longer matches the embedded one.
	Drifted bool
}

type appliedMigration struct {
	Version   int64
	Checksum  string
	AppliedAt time.Time
}

// Up applies pending migrations in version order. It refuses to run when an
// already applied migration was edited after the fact.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}

	runCount := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := listApplied(ctx, conn)
		if err != nil {
			return err
		}
		for _, item := range migrations {
			if done, ok := applied[item.Version]; ok {
				if done.Checksum != "" && done.Checksum != item.Checksum {
					return fmt.Errorf("migration %d (%s) changed after it was applied", item.Version, item.Name)
				}
				continue
			}
			if steps > 0 && runCount >= steps {
				break
			}
			if err := step(ctx, conn, item.Version, item.UpSQL,
				`INSERT INTO `+migrationTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				item.Version, item.Name, item.Checksum); err != nil {
				return fmt.Errorf("apply migration %d: %w", item.Version, err)
			}
			runCount++
		}
		return nil
	})
	return runCount, err
}

// Down rolls back the newest applied migrations, one by default.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return 0, err
	}
	lookup := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		lookup[item.Version] = item
	}

	runCount := 0
	err = withLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := listApplied(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

		for _, version := range versions {
			if runCount >= steps {
				break
			}
			item, ok := lookup[version]
			if !ok {
				return fmt.Errorf("applied migration %d is missing from source", version)
			}
			if err := step(ctx, conn, item.Version, item.DownSQL,
				`DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version); err != nil {
				return fmt.Errorf("rollback migration %d: %w", item.Version, err)
			}
			runCount++
		}
		return nil
	})
	return runCount, err
}

// Status lists every embedded migration with its applied state.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := listApplied(ctx, conn)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(migrations))
	for _, item := range migrations {
		status := Status{Version: item.Version, Name: item.Name}
		if done, ok := applied[item.Version]; ok {
			status.Applied = true
			status.AppliedAt = done.AppliedAt
			status.Drifted = done.Checksum != "" && done.Checksum != item.Checksum
		}
		out = append(out, status)
	}
	return out, nil
}

func withLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	ddl := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// step runs script and the bookkeeping statement in one transaction.
func step(ctx context.Context, conn *sql.Conn, version int64, script, bookkeeping string, args ...any) error {
	if strings.TrimSpace(script) == "" {
		return fmt.Errorf("migration %d has an empty script", version)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func listApplied(ctx context.Context, conn *sql.Conn) (map[int64]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum, applied_at FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := map[int64]appliedMigration{}
	for rows.Next() {
		var item appliedMigration
		if err := rows.Scan(&item.Version, &item.Checksum, &item.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[item.Version] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := migrationNamePattern.FindStringSubmatch(base)
		if len(matches) != 4 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := items[version]
		if item.Name != "" && item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, item.Name, matches[2])
		}
		item.Version = version
		item.Name = matches[2]
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
		items[version] = item
	}

	migrations := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		sum := sha256.Sum256([]byte(item.UpSQL))
		item.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, item)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
