// Package scheduler 负责周期性维护任务：归档过期报表、清理超出保留期的指标。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/config"
	"github.com/zacharykka/prompt-analytics/internal/domain"
)

const jobTimeout = 5 * time.Minute

// Archiver 归档过期报表，由 report.Service 实现。
type Archiver interface {
	ArchiveExpired(ctx context.Context, now time.Time, batch int) (int, error)
}

// Purger 按条件删除指标，由 metrics.Service 实现。
type Purger interface {
	PurgeMetrics(ctx context.Context, filter domain.MetricFilter) (int64, error)
}

// Scheduler 包装 cron，任务串行执行，上一轮未结束时跳过本轮。
type Scheduler struct {
	cron     *cron.Cron
	cfg      config.SchedulerConfig
	archiver Archiver
	purger   Purger
	logger   *zap.Logger
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option 调整 Scheduler 行为。
type Option func(*Scheduler)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New 注册归档与保留任务；MetricRetention 不大于 0 时不注册指标清理。
func New(cfg config.SchedulerConfig, archiver Archiver, purger Purger, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLog := cronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		cfg:      cfg,
		archiver: archiver,
		purger:   purger,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if archiver != nil {
		if _, err := s.cron.AddFunc(cfg.ArchiveSpec, func() { s.run("archive_expired", s.ArchiveExpired) }); err != nil {
			return nil, fmt.Errorf("schedule archive job %q: %w", cfg.ArchiveSpec, err)
		}
	}
	if purger != nil && cfg.MetricRetention > 0 {
		if _, err := s.cron.AddFunc(cfg.RetentionSpec, func() { s.run("metric_retention", s.PurgeExpiredMetrics) }); err != nil {
			return nil, fmt.Errorf("schedule retention job %q: %w", cfg.RetentionSpec, err)
		}
	}
	return s, nil
}

// Start 启动 cron，不阻塞。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("archive_spec", s.cfg.ArchiveSpec),
		zap.Duration("metric_retention", s.cfg.MetricRetention),
	)
}

// Stop 停止调度并等待进行中的任务结束，ctx 到期时取消任务。
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Entries 返回已注册任务数量。
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// ArchiveExpired 执行一次过期报表归档。
func (s *Scheduler) ArchiveExpired(ctx context.Context) error {
	batch := s.cfg.ArchiveBatch
	if batch <= 0 {
		batch = 100
	}
	archived, err := s.archiver.ArchiveExpired(ctx, s.now().UTC(), batch)
	if archived > 0 {
		s.logger.Info("expired reports archived", zap.Int("count", archived))
	}
	return err
}

// PurgeExpiredMetrics 删除早于保留期的指标记录。
func (s *Scheduler) PurgeExpiredMetrics(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.cfg.MetricRetention)
	deleted, err := s.purger.PurgeMetrics(ctx, domain.MetricFilter{Before: &cutoff})
	if err != nil {
		return err
	}
	s.logger.Info("expired metrics purged", zap.Int64("count", deleted), zap.Time("before", cutoff))
	return nil
}

func (s *Scheduler) run(name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("scheduled job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
}

// cronLogger 把 cron 内部日志转到 zap。
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
