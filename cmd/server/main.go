package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/app"
	"github.com/zacharykka/prompt-analytics/internal/config"
	"github.com/zacharykka/prompt-analytics/internal/infra"
	"github.com/zacharykka/prompt-analytics/internal/infra/queue"
	"github.com/zacharykka/prompt-analytics/internal/middleware"
	"github.com/zacharykka/prompt-analytics/internal/scheduler"
	httpserver "github.com/zacharykka/prompt-analytics/internal/server/http"
	metricsvc "github.com/zacharykka/prompt-analytics/internal/service/metrics"
	reportsvc "github.com/zacharykka/prompt-analytics/internal/service/report"
	"github.com/zacharykka/prompt-analytics/pkg/logger"
	"github.com/zacharykka/prompt-analytics/pkg/retry"
)

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigDir, opts.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	container, cleanup, err := infra.Initialize(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init infrastructure: %w", err)
	}
	defer func() {
		if err := cleanup(context.Background()); err != nil {
			log.Warn("release infrastructure failed", zap.Error(err))
		}
	}()

	metricsService := metricsvc.NewService(container.Repos.Metrics, container.Cache, metricsvc.Config{
		CacheTTL: cfg.Analytics.CacheTTL,
		Retry: retry.Policy{
			MaxAttempts:    cfg.Analytics.Retry.MaxAttempts,
			InitialBackoff: cfg.Analytics.Retry.InitialBackoff,
			MaxBackoff:     cfg.Analytics.Retry.MaxBackoff,
			Factor:         cfg.Analytics.Retry.Factor,
		},
	}, log.Named("metrics"), metricsvc.WithMetrics(container.Metrics))

	reportService := reportsvc.NewService(container.Repos.Reports, container.Queue, metricsService, container.Cache, reportsvc.Config{
		ListCacheTTL:          cfg.Reports.ListCacheTTL,
		DocCacheTTL:           cfg.Reports.DocCacheTTL,
		ValidFor:              cfg.Reports.ValidFor,
		Version:               cfg.Reports.Version,
		InvalidateListOnWrite: cfg.Reports.InvalidateListOnWrite,
		JobOptions: queue.Options{
			Attempts: cfg.Reports.JobAttempts,
			Backoff: queue.Backoff{
				Delay:  cfg.Reports.JobBackoff,
				Factor: cfg.Reports.JobBackoffFactor,
			},
		},
		EstimatedCompletion: cfg.Reports.EstimatedCompletion,
	}, log.Named("reports"), reportsvc.WithMetrics(container.Metrics))

	appOpts := []app.Option{app.WithWorker(container.Queue)}
	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(cfg.Scheduler, reportService, metricsService, log.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("init scheduler: %w", err)
		}
		appOpts = append(appOpts, app.WithScheduler(sched))
	}

	routerOpts := httpserver.RouterOptions{
		Middlewares: []gin.HandlerFunc{
			middleware.RequestLogger(log),
		},
		HealthDeps: &httpserver.HealthDependencies{
			DB:    container.DB,
			Redis: container.Redis,
			Mongo: container.Mongo,
		},
		Metrics:          container.Metrics,
		AnalyticsHandler: httpserver.NewAnalyticsHandler(metricsService),
		ReportHandler:    httpserver.NewReportHandler(reportService),
	}
	if cfg.Server.RateLimit.Enabled {
		limiter, err := middleware.NewLimiter(cfg.Server.RateLimit, container.Redis)
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		routerOpts.Limiter = limiter
	}

	engine := httpserver.NewEngine(cfg, log, routerOpts)
	return app.New(cfg, log, engine, appOpts...).Run(ctx)
}

// options 控制命令行参数。
type options struct {
	ConfigDir string
	Env       string
}

func parseFlags() options {
	var opts options
	pflag.StringVar(&opts.ConfigDir, "config-dir", "./config", "配置文件目录")
	pflag.StringVar(&opts.Env, "env", "", "强制指定运行环境，覆盖 PROMPT_ANALYTICS_ENV")
	pflag.Parse()
	return opts
}
