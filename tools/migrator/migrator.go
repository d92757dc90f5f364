package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/livinlefevreloca/aapsync/internal/db"
)

// migrationLockKey is the postgres advisory lock key serializing migrators.
const migrationLockKey = 727_118_002

// RunMigrations applies all pending migrations found at the root of fsys.
func RunMigrations(ctx context.Context, database *db.DB, fsys fs.FS, logger *slog.Logger) error {
	driver := database.Driver()

	// A pinned connection keeps the session lock and the work on one session.
	conn, err := database.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := createSchemaTable(ctx, conn); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	if err := acquireLock(ctx, conn, driver); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer releaseLock(context.WithoutCancel(ctx), conn, driver)

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedSet := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		if v > maxApplied {
			maxApplied = v
		}
	}

	for _, m := range migrations {
		if appliedSet[m.Version] {
			continue
		}
		if m.Version < maxApplied {
			return fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
		for _, dep := range m.Dependencies {
			if !appliedSet[dep] {
				return fmt.Errorf("migration %d depends on version %d which has not been applied", m.Version, dep)
			}
		}

		if err := applyMigration(ctx, conn, driver, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		appliedSet[m.Version] = true
		logger.Info("applied migration", "version", m.Version, "name", m.Name)
	}

	return nil
}

// GetCurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func GetCurrentVersion(ctx context.Context, database *db.DB) (int, error) {
	var version int
	err := database.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) ([]int, error) {
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

func createSchemaTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// applyMigration executes a single migration and records it in schema_migrations.
func applyMigration(ctx context.Context, conn *sql.Conn, driver string, m Migration) error {
	record := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"

	if m.NoTransaction {
		if _, err := conn.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := conn.ExecContext(ctx, record, m.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, m.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholder returns the appropriate SQL placeholder for the given driver.
func placeholder(driver string, n int) string {
	if driver == db.DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// acquireLock blocks until the migration lock is held. SQLite serializes
// writers on the database file and needs no extra lock.
func acquireLock(ctx context.Context, conn *sql.Conn, driver string) error {
	if driver != db.DriverPostgres {
		return nil
	}
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey)
	return err
}

func releaseLock(ctx context.Context, conn *sql.Conn, driver string) error {
	if driver != db.DriverPostgres {
		return nil
	}
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrationLockKey)
	return err
}
