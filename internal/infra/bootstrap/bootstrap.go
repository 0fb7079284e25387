package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/config"
	"github.com/zacharykka/prompt-analytics/internal/infra/database"
	"github.com/zacharykka/prompt-analytics/internal/infra/mongostore"
)

// PrepareSQL 在启用 autoMigrate 时执行迁移脚本（若表已存在则跳过建表）。
func PrepareSQL(ctx context.Context, db *sql.DB, cfg config.DatabaseConfig, logger *zap.Logger) error {
	if !cfg.AutoMigrate {
		logger.Info("bootstrap migrations skipped (disabled)")
		return nil
	}

	applied, err := database.Migrate(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("bootstrap migrations: %w", err)
	}
	logger.Info("bootstrap migrations applied", zap.Int("files", applied), zap.String("dir", cfg.MigrationsDir))
	return nil
}

// PrepareMongo 创建查询所需索引。
func PrepareMongo(ctx context.Context, db *mongo.Database, logger *zap.Logger) error {
	if err := mongostore.EnsureIndexes(ctx, db); err != nil {
		return fmt.Errorf("bootstrap mongo indexes: %w", err)
	}
	logger.Info("bootstrap mongo indexes ensured", zap.String("database", db.Name()))
	return nil
}
