package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long a crashed holder can keep a named lock
const DefaultLockTimeout = time.Minute

// Wrap adopts an existing connection pool opened for driver
func Wrap(sqlDB *sql.DB, driver string) *DB {
	return &DB{DB: sqlDB, driver: driver}
}

// WithLockedTransaction runs fn inside a transaction while holding the
// named advisory lock. Acquisition never blocks: when another session holds
// the lock, fn is not called and acquired is false.
//
// On postgres the lock is a transaction scoped advisory lock and the
// session is bounded by idle_in_transaction_session_timeout. Elsewhere a
// lease row in advisory_locks with an expiry stands in for it.
func (db *DB) WithLockedTransaction(ctx context.Context, name string, timeout time.Duration, fn func(*Tx) error) (acquired bool, err error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if db.driver == DriverPostgres {
		return db.withXactLock(ctx, name, timeout, fn)
	}
	return db.withLease(ctx, name, timeout, fn)
}

func (db *DB) withXactLock(ctx context.Context, name string, timeout time.Duration, fn func(*Tx) error) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	setTimeout := fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = %d", timeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, setTimeout); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("set lock session timeout: %w", err)
	}

	var ok bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock(hashtext(?))", name).Scan(&ok); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("try advisory lock %s: %w", name, err)
	}
	if !ok {
		tx.Rollback()
		return false, nil
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return true, err
	}
	return true, tx.Commit()
}

func (db *DB) withLease(ctx context.Context, name string, timeout time.Duration, fn func(*Tx) error) (bool, error) {
	holder := uuid.NewString()
	ok, err := db.acquireLease(ctx, name, holder, timeout)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	defer db.releaseLease(context.WithoutCancel(ctx), name, holder)

	return true, db.WithTransaction(ctx, fn)
}

// acquireLease takes the named lease unless a live holder owns it
func (db *DB) acquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, `
		INSERT INTO advisory_locks (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE advisory_locks.expires_at < ?
	`, name, holder, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (db *DB) releaseLease(ctx context.Context, name, holder string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM advisory_locks WHERE name = ? AND holder = ?`, name, holder)
	return err
}

// =============================================================================
// Periodic State
// =============================================================================

// GetPeriodicState returns the last recorded run of a periodic pass, or nil
func GetPeriodicState(ctx context.Context, q Querier, name string) (*time.Time, error) {
	var last time.Time
	err := q.QueryRowContext(ctx, `SELECT last_run FROM periodic_state WHERE name = ?`, name).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

// SetPeriodicState records the start of a periodic pass
func SetPeriodicState(ctx context.Context, q Querier, name string, lastRun time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO periodic_state (name, last_run) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET last_run = excluded.last_run
	`, name, utc(lastRun))
	return err
}
