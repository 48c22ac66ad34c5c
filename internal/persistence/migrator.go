package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migration is one {version}_{name}.up.sql file and its .down.sql pair.
type Migration struct {
	Version string
	Name    string
	Applied bool
}

func (m Migration) upFile() string   { return m.Version + "_" + m.Name + upSuffix }
func (m Migration) downFile() string { return m.Version + "_" + m.Name + downSuffix }

// Migrator applies the embedded schema files in version order and records
// each applied version in public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, logger: logger}
}

// Status lists every known migration in order with whether it is applied.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	plan, err := m.plan()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	for i := range plan {
		plan[i].Applied = applied[plan[i].Version]
	}
	return plan, nil
}

// Up applies all pending migrations and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	plan, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range plan {
		if mig.Applied {
			continue
		}
		file := mig.upFile()
		script, err := fs.ReadFile(m.files, file)
		if err != nil {
			return count, fmt.Errorf("read migration %s: %w", file, err)
		}

		err = m.apply(ctx, string(script), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.Version, file,
			)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("migration %s: %w", file, err)
		}

		m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		count++
	}
	return count, nil
}

// Down rolls back the most recently applied migration. It returns false
// when nothing is applied.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return false, err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get latest migration: %w", err)
	}

	mig, ok := parseMigration(filename)
	if !ok {
		return false, fmt.Errorf("unrecognized migration filename %q", filename)
	}
	file := mig.downFile()
	script, err := fs.ReadFile(m.files, file)
	if err != nil {
		return false, fmt.Errorf("read down migration %s: %w", file, err)
	}

	err = m.apply(ctx, string(script), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("migration %s: %w", file, err)
	}

	m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
	return true, nil
}

// apply runs script and the bookkeeping statement in one transaction.
func (m *Migrator) apply(ctx context.Context, script string, record func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// plan returns the up migrations found in files ordered by version.
func (m *Migrator) plan() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}

	var plan []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), upSuffix) {
			continue
		}
		if mig, ok := parseMigration(e.Name()); ok {
			plan = append(plan, mig)
		}
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

// parseMigration splits "000001_credit.up.sql" into version "000001" and
// name "credit".
func parseMigration(filename string) (Migration, bool) {
	base, ok := strings.CutSuffix(filename, upSuffix)
	if !ok {
		if base, ok = strings.CutSuffix(filename, downSuffix); !ok {
			return Migration{}, false
		}
	}
	version, name, ok := strings.Cut(base, "_")
	if !ok || version == "" || name == "" {
		return Migration{}, false
	}
	return Migration{Version: version, Name: name}, true
}
