// Package mongostore 提供基于 MongoDB 的指标与报表仓储实现。
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/config"
	"github.com/zacharykka/prompt-analytics/internal/domain"
)

const (
	metricsCollection = "metrics"
	reportsCollection = "reports"
)

// Connect 建立 MongoDB 连接并验证连通性。
func Connect(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is empty")
	}

	clientOptions := options.Client().ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := Health(ctx, client); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	logger.Info("mongo connected", zap.String("database", cfg.Database))
	return client, nil
}

// Health 检查 MongoDB 连通性。
func Health(ctx context.Context, client *mongo.Client) error {
	if client == nil {
		return errors.New("mongo client not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(pingCtx, nil)
}

// NewRepositories 构建基于 MongoDB 的仓储集合。
func NewRepositories(db *mongo.Database) *domain.Repositories {
	return &domain.Repositories{
		Metrics: &metricRepository{coll: db.Collection(metricsCollection)},
		Reports: &reportRepository{coll: db.Collection(reportsCollection)},
	}
}

// EnsureIndexes 创建查询所需索引，重复执行是幂等的。
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	metricIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "promptId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "workspaceId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "workspaceId", Value: 1}, {Key: "metricType", Value: 1}}},
	}
	if _, err := db.Collection(metricsCollection).Indexes().CreateMany(ctx, metricIndexes); err != nil {
		return fmt.Errorf("create metric indexes: %w", err)
	}

	reportIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "workspaceId", Value: 1}, {Key: "generatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "isArchived", Value: 1}, {Key: "validUntil", Value: 1}}},
	}
	if _, err := db.Collection(reportsCollection).Indexes().CreateMany(ctx, reportIndexes); err != nil {
		return fmt.Errorf("create report indexes: %w", err)
	}
	return nil
}

// classify 将驱动错误归类为可重试或不可重试的存储错误。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrStoreTransient), errors.Is(err, domain.ErrStoreTerminal):
		return err
	case mongo.IsDuplicateKeyError(err):
		return domain.NewTerminalError(op, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, context.DeadlineExceeded):
		return domain.NewTransientError(op, err)
	default:
		var labeled mongo.LabeledError
		if errors.As(err, &labeled) && labeled.HasErrorLabel("RetryableWriteError") {
			return domain.NewTransientError(op, err)
		}
		return domain.NewTerminalError(op, err)
	}
}
