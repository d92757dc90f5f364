package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/migrations"
	"github.com/livinlefevreloca/aapsync/tools/migrator"
)

// NewTestDB creates a file backed SQLite database migrated to the latest schema
func NewTestDB(t testing.TB) *db.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") +
		"?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on"
	database, err := db.Open(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := migrator.RunMigrations(context.Background(), database, migrations.FS, DiscardLogger()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return database
}

// NewTestRedis starts an in-memory redis server and a client connected to it
func NewTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, client
}

// DiscardLogger returns a logger that drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MakeCluster inserts a cluster with default test values
func MakeCluster(t testing.TB, database *db.DB, address string) *db.Cluster {
	t.Helper()

	c := &db.Cluster{
		Protocol:     "https",
		Address:      address,
		Port:         443,
		VerifySSL:    true,
		AccessToken:  "token-" + address,
		RefreshToken: "refresh-" + address,
	}
	if err := db.CreateCluster(context.Background(), database, c); err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	return c
}
