package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zacharykka/prompt-analytics/internal/config"
)

// Worker 是后台任务消费者，例如报表队列。
type Worker interface {
	Start(ctx context.Context) error
	Close() error
}

// Scheduler 是周期任务调度器。
type Scheduler interface {
	Start()
	Stop(ctx context.Context) error
}

// Application 负责组织配置、日志、HTTP Server 与后台组件的生命周期。
type Application struct {
	cfg       *config.Config
	logger    *zap.Logger
	engine    *gin.Engine
	server    *http.Server
	worker    Worker
	scheduler Scheduler
	listener  net.Listener
}

// Option 配置可选的后台组件。
type Option func(*Application)

// WithWorker 注册随应用启停的任务消费者。
func WithWorker(w Worker) Option {
	return func(a *Application) { a.worker = w }
}

// WithScheduler 注册随应用启停的调度器。
func WithScheduler(s Scheduler) Option {
	return func(a *Application) { a.scheduler = s }
}

// WithListener 使用已创建的监听器，测试中用于绑定随机端口。
func WithListener(l net.Listener) Option {
	return func(a *Application) { a.listener = l }
}

// New 构建应用实例，并初始化 HTTP 服务配置。
func New(cfg *config.Config, logger *zap.Logger, engine *gin.Engine, opts ...Option) *Application {
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	a := &Application{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		server: httpServer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run 启动后台组件与 HTTP 服务，ctx 取消后按 HTTP、调度器、队列的顺序优雅退出。
func (a *Application) Run(ctx context.Context) error {
	if a.worker != nil {
		// worker 不随信号立即取消，交由 Close 排空进行中的任务。
		if err := a.worker.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting http server", zap.String("addr", a.server.Addr))
		var err error
		if a.listener != nil {
			err = a.server.Serve(a.listener)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})
	return g.Wait()
}

// shutdown 执行优雅停机逻辑，汇总各组件的错误。
func (a *Application) shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	var errs error
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("http graceful shutdown failed", zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Error("scheduler stop failed", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if a.worker != nil {
		if err := a.worker.Close(); err != nil {
			a.logger.Error("worker close failed", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	a.logger.Info("shutdown complete")
	return errs
}

// Engine 暴露 Gin 引擎实例，方便注册额外路由。
func (a *Application) Engine() *gin.Engine {
	return a.engine
}
