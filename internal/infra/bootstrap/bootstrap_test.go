package bootstrap

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zacharykka/prompt-analytics/internal/config"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "bootstrap.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return count == 1
}

func TestPrepareSQLAppliesMigrations(t *testing.T) {
	db := openDB(t)
	cfg := config.DatabaseConfig{
		AutoMigrate:   true,
		MigrationsDir: filepath.Join("..", "..", "..", "db", "migrations"),
	}

	if err := PrepareSQL(context.Background(), db, cfg, zap.NewNop()); err != nil {
		t.Fatalf("PrepareSQL failed: %v", err)
	}
	for _, table := range []string{"metrics", "reports"} {
		if !tableExists(t, db, table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	if err := PrepareSQL(context.Background(), db, cfg, zap.NewNop()); err != nil {
		t.Fatalf("second PrepareSQL should be idempotent: %v", err)
	}
}

func TestPrepareSQLSkippedWhenDisabled(t *testing.T) {
	db := openDB(t)
	cfg := config.DatabaseConfig{AutoMigrate: false, MigrationsDir: "does-not-exist"}

	if err := PrepareSQL(context.Background(), db, cfg, zap.NewNop()); err != nil {
		t.Fatalf("disabled bootstrap should not fail: %v", err)
	}
	if tableExists(t, db, "metrics") {
		t.Fatalf("unexpected table created while disabled")
	}
}

func TestPrepareSQLMissingDir(t *testing.T) {
	db := openDB(t)
	cfg := config.DatabaseConfig{AutoMigrate: true, MigrationsDir: filepath.Join(t.TempDir(), "none")}

	if err := PrepareSQL(context.Background(), db, cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing migrations")
	}
}
