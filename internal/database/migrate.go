package database

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey serializes migrations across concurrently starting instances.
const migrationLockKey int64 = 0x666c656574

// Migration is a single versioned schema change.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationStatus is the applied state of one migration.
type MigrationStatus struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies migrations read from a filesystem.
type Migrator struct {
	db         *DB
	migrations []Migration
	tableName  string
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithMigrationTable sets the name of the migrations tracking table.
func WithMigrationTable(name string) MigratorOption {
	return func(m *Migrator) {
		m.tableName = name
	}
}

// NewMigratorFromFS creates a Migrator from the *.up.sql / *.down.sql files in fsys.
func NewMigratorFromFS(db *DB, fsys fs.FS, opts ...MigratorOption) (*Migrator, error) {
	m := &Migrator{
		db:        db,
		tableName: "schema_migrations",
	}
	for _, opt := range opts {
		opt(m)
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	m.migrations = migrations
	return m, nil
}

// migrationFileRegex matches files like "0001_command_queue.up.sql".
var migrationFileRegex = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// LoadMigrations reads and pairs migration files, sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	byVersion := make(map[string]*Migration)

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		matches := migrationFileRegex.FindStringSubmatch(path.Base(p))
		if matches == nil {
			return nil
		}

		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read migration file %q: %w", p, err)
		}

		mig, ok := byVersion[matches[1]]
		if !ok {
			mig = &Migration{Version: matches[1], Name: matches[2]}
			byVersion[matches[1]] = mig
		}
		if matches[3] == "up" {
			mig.UpSQL = string(content)
		} else {
			mig.DownSQL = string(content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpSQL == "" {
			return nil, fmt.Errorf("migration %s has no up SQL", mig.Version)
		}
		migrations = append(migrations, *mig)
	}
	slices.SortFunc(migrations, func(a, b Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
	return migrations, nil
}

// table is the quoted tracking table name, safe to splice into SQL.
func (m *Migrator) table() string {
	return pgx.Identifier{m.tableName}.Sanitize()
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+m.table()+` (
		version    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, q Querier) (map[string]time.Time, error) {
	rows, err := q.Query(ctx, `SELECT version, applied_at FROM `+m.table())
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// locked runs fn while holding a transaction-scoped advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(tx pgx.Tx, applied map[string]time.Time) error) error {
	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("failed to take migration lock: %w", err)
		}
		if err := m.ensureMigrationsTable(ctx, tx); err != nil {
			return err
		}
		applied, err := m.applied(ctx, tx)
		if err != nil {
			return err
		}
		return fn(tx, applied)
	})
}

// Up applies all pending migrations in one transaction and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	count := 0
	err := m.locked(ctx, func(tx pgx.Tx, applied map[string]time.Time) error {
		for _, mig := range m.migrations {
			if _, ok := applied[mig.Version]; ok {
				continue
			}
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO `+m.table()+` (version, name) VALUES ($1, $2)`, mig.Version, mig.Name); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", mig.Version, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Down rolls back the last n applied migrations.
func (m *Migrator) Down(ctx context.Context, n int) (int, error) {
	count := 0
	err := m.locked(ctx, func(tx pgx.Tx, applied map[string]time.Time) error {
		for i := len(m.migrations) - 1; i >= 0 && count < n; i-- {
			mig := m.migrations[i]
			if _, ok := applied[mig.Version]; !ok {
				continue
			}
			if mig.DownSQL == "" {
				return fmt.Errorf("migration %s has no down SQL", mig.Version)
			}
			if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
				return fmt.Errorf("failed to roll back migration %s: %w", mig.Version, err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM `+m.table()+` WHERE version = $1`, mig.Version); err != nil {
				return fmt.Errorf("failed to remove migration record %s: %w", mig.Version, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Status returns the applied state of every known migration.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var statuses []MigrationStatus
	err := m.locked(ctx, func(_ pgx.Tx, applied map[string]time.Time) error {
		statuses = make([]MigrationStatus, len(m.migrations))
		for i, mig := range m.migrations {
			statuses[i] = MigrationStatus{Version: mig.Version, Name: mig.Name}
			if at, ok := applied[mig.Version]; ok {
				statuses[i].Applied = true
				statuses[i].AppliedAt = &at
			}
		}
		return nil
	})
	return statuses, err
}

// Pending returns the migrations that have not been applied yet.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for i, s := range statuses {
		if !s.Applied {
			pending = append(pending, m.migrations[i])
		}
	}
	return pending, nil
}

// FormatStatus renders migration statuses as a table.
func FormatStatus(statuses []MigrationStatus) string {
	if len(statuses) == 0 {
		return "No migrations found"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(&b, "%-14s %-40s %-10s %s\n", s.Version, s.Name, state, at)
	}
	return b.String()
}
