package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Migrate 按文件名顺序执行 dir 下全部 *.up.sql，返回执行的文件数。
// 迁移脚本需自身保证可重复执行（IF NOT EXISTS）。
func Migrate(ctx context.Context, db *sql.DB, dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)

	for i, file := range files {
		script, err := os.ReadFile(file)
		if err != nil {
			return i, fmt.Errorf("read migration %s: %w", filepath.Base(file), err)
		}
		if _, err := db.ExecContext(ctx, string(script)); err != nil {
			return i, fmt.Errorf("apply migration %s: %w", filepath.Base(file), err)
		}
	}
	return len(files), nil
}
