package infra

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/config"
	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/bootstrap"
	"github.com/zacharykka/prompt-analytics/internal/infra/cache"
	"github.com/zacharykka/prompt-analytics/internal/infra/database"
	"github.com/zacharykka/prompt-analytics/internal/infra/mongostore"
	"github.com/zacharykka/prompt-analytics/internal/infra/queue"
	"github.com/zacharykka/prompt-analytics/internal/infra/repository"
	"github.com/zacharykka/prompt-analytics/internal/observability"
)

// Container 持有应用依赖资源，负责集中关闭。
type Container struct {
	DB      *sql.DB
	Mongo   *mongo.Client
	Redis   *redis.Client
	Repos   *domain.Repositories
	Cache   cache.Store
	Queue   queue.Queue
	Metrics *observability.Metrics
}

// Initialize 构建各类依赖并返回关闭函数；中途失败时已创建的资源会被释放。
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, func(context.Context) error, error) {
	container := &Container{}
	cleanup := func(ctx context.Context) error {
		return container.close(ctx)
	}
	fail := func(err error) (*Container, func(context.Context) error, error) {
		if closeErr := container.close(ctx); closeErr != nil {
			logger.Warn("release partially initialized resources failed", zap.Error(closeErr))
		}
		return nil, nil, err
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	container.Metrics = metrics

	if cfg.Redis.Enabled() {
		redisClient, err := cache.New(ctx, cfg.Redis, logger)
		if err != nil {
			return fail(fmt.Errorf("init redis: %w", err))
		}
		container.Redis = redisClient
	}

	switch cfg.Store.Backend {
	case config.BackendMongo:
		client, err := mongostore.Connect(ctx, cfg.Mongo, logger)
		if err != nil {
			return fail(err)
		}
		container.Mongo = client
		db := client.Database(cfg.Mongo.Database)
		if err := bootstrap.PrepareMongo(ctx, db, logger); err != nil {
			return fail(err)
		}
		container.Repos = mongostore.NewRepositories(db)
	default:
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return fail(err)
		}
		container.DB = db
		if err := bootstrap.PrepareSQL(ctx, db, cfg.Database, logger); err != nil {
			return fail(err)
		}
		container.Repos = repository.NewSQLRepositories(db, database.NewDialect(cfg.Database.Driver))
	}

	container.Cache = newCacheStore(cfg.Cache, container.Redis)
	container.Queue = newQueue(cfg.Queue, container.Redis, logger, metrics.ObserveJob)

	logger.Info("infrastructure ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("queue", cfg.Queue.Backend),
	)
	return container, cleanup, nil
}

func newCacheStore(cfg config.CacheConfig, client *redis.Client) cache.Store {
	if cfg.Backend == config.BackendRedis && client != nil {
		return cache.NewRedisStore(client)
	}
	return cache.NewMemoryStore(cfg.MaxEntries, cfg.DefaultTTL)
}

func newQueue(cfg config.QueueConfig, client *redis.Client, logger *zap.Logger, observer queue.Observer) queue.Queue {
	if cfg.Backend == config.BackendRedis && client != nil {
		return queue.NewRedisQueue(client, queue.RedisConfig{
			KeyPrefix:    cfg.KeyPrefix,
			Workers:      cfg.Workers,
			PollInterval: cfg.PollInterval,
			StateTTL:     cfg.StateTTL,
			DrainTimeout: cfg.DrainTimeout,
		}, logger, observer)
	}
	return queue.NewMemoryQueue(queue.MemoryConfig{
		Workers:      cfg.Workers,
		BufferSize:   cfg.BufferSize,
		StateTTL:     cfg.StateTTL,
		DrainTimeout: cfg.DrainTimeout,
	}, logger, observer)
}

// close 按依赖反向顺序释放资源：先停止队列，再断开存储连接。
func (c *Container) close(ctx context.Context) error {
	var errs error
	if c.Queue != nil {
		errs = multierr.Append(errs, c.Queue.Close())
	}
	if c.Mongo != nil {
		errs = multierr.Append(errs, c.Mongo.Disconnect(ctx))
	}
	if c.DB != nil {
		errs = multierr.Append(errs, c.DB.Close())
	}
	if c.Redis != nil {
		errs = multierr.Append(errs, c.Redis.Close())
	}
	return errs
}
