package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/config"
	"github.com/zacharykka/prompt-analytics/internal/domain"

	// 驱动注册
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	connectTimeout = 5 * time.Second
	healthTimeout  = 2 * time.Second
)

// New 打开指标存储连接并确认可达。
// 返回的错误与仓储一致地区分瞬时（连接拒绝、超时）与终止（驱动未知、DSN 错误）两类。
func New(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, domain.NewTerminalError("database.open", err)
	}

	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		classified := Classify("database.ping", err)
		logger.Warn("metric store unreachable",
			zap.String("driver", cfg.Driver),
			zap.Bool("transient", domain.IsTransient(classified)),
			zap.Error(err),
		)
		return nil, classified
	}

	logger.Info("metric store connected",
		zap.String("driver", cfg.Driver),
		zap.Bool("postgres", NewDialect(cfg.Driver).Postgres()),
	)
	return db, nil
}

// Health 检查数据库连通性，供 /healthz 使用。
func Health(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return Classify("database.health", err)
	}
	return nil
}
