package http

import (
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/config"
	"github.com/zacharykka/prompt-analytics/internal/infra/cache"
	"github.com/zacharykka/prompt-analytics/internal/infra/database"
	"github.com/zacharykka/prompt-analytics/internal/infra/mongostore"
	"github.com/zacharykka/prompt-analytics/internal/middleware"
	"github.com/zacharykka/prompt-analytics/internal/observability"
)

// HealthDependencies 汇总健康检查所需的依赖。
type HealthDependencies struct {
	DB    *sql.DB
	Redis *redis.Client
	Mongo *mongo.Client
}

// RouterOptions 用于自定义路由行为，例如注入中间件。
type RouterOptions struct {
	Middlewares      []gin.HandlerFunc
	HealthHandler    gin.HandlerFunc
	HealthDeps       *HealthDependencies
	Metrics          *observability.Metrics
	Limiter          *limiter.Limiter
	AnalyticsHandler *AnalyticsHandler
	ReportHandler    *ReportHandler
}

// NewEngine 根据环境配置初始化 Gin 引擎，并注册基础路由。
func NewEngine(cfg *config.Config, logger *zap.Logger, opts RouterOptions) *gin.Engine {
	ginMode := gin.DebugMode
	if cfg.App.Env == "production" {
		ginMode = gin.ReleaseMode
	}
	gin.SetMode(ginMode)

	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(cors.New(buildCORSConfig(cfg.Server)))
	engine.Use(middleware.SecurityHeaders(cfg.Server.SecurityHeaders))
	if opts.Metrics != nil {
		engine.Use(opts.Metrics.GinMiddleware())
	}

	for _, mw := range opts.Middlewares {
		if mw != nil {
			engine.Use(mw)
		}
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler(cfg, opts.HealthDeps)
	}

	engine.GET("/healthz", healthHandler)
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	api := engine.Group("/api/v1")
	api.Use(middleware.LimitRequestBody(cfg.Server.MaxRequestBody))
	api.Use(middleware.AuthGuard(cfg.Auth.AccessTokenSecret))
	api.Use(middleware.WorkspaceInjector())
	if opts.Limiter != nil {
		api.Use(middleware.RateLimit(opts.Limiter, middleware.KeyByWorkspaceOrIP()))
	}

	if opts.AnalyticsHandler != nil {
		opts.AnalyticsHandler.RegisterRoutes(api.Group("/analytics"))
	}
	if opts.ReportHandler != nil {
		opts.ReportHandler.RegisterRoutes(api.Group("/reports"))
	}

	logger.Info("http router ready", zap.String("env", cfg.App.Env), zap.Bool("auth", cfg.Auth.Enabled()))

	return engine
}

// buildCORSConfig 将配置转换为 cors.Config；含 * 的来源按通配模式匹配。
func buildCORSConfig(cfg config.ServerConfig) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Workspace-ID", "X-User-ID", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	var exact, patterns []string
	for _, origin := range cfg.CORS.AllowOrigins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "*":
			corsCfg.AllowAllOrigins = true
			return corsCfg
		case strings.Contains(origin, "*"):
			patterns = append(patterns, origin)
		case origin != "":
			exact = append(exact, origin)
		}
	}

	corsCfg.AllowOrigins = exact
	if len(patterns) > 0 {
		corsCfg.AllowOriginFunc = func(origin string) bool {
			for _, allowed := range exact {
				if origin == allowed {
					return true
				}
			}
			for _, pattern := range patterns {
				if matchOrigin(pattern, origin) {
					return true
				}
			}
			return false
		}
	}
	if len(exact) == 0 && len(patterns) == 0 {
		corsCfg.AllowAllOrigins = true
	}
	return corsCfg
}

// matchOrigin 支持单个 * 通配，例如 https://*.example.com。
func matchOrigin(pattern, origin string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return pattern == origin
	}
	return len(origin) > len(prefix)+len(suffix) &&
		strings.HasPrefix(origin, prefix) &&
		strings.HasSuffix(origin, suffix)
}

func defaultHealthHandler(cfg *config.Config, deps *HealthDependencies) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		httpStatus := http.StatusOK
		result := gin.H{
			"status":  "ok",
			"service": cfg.App.Name,
			"env":     cfg.App.Env,
		}

		if deps != nil {
			dependencies := gin.H{}
			check := func(name string, configured bool, ping func() error) {
				if !configured {
					dependencies[name] = gin.H{"status": "disabled"}
					return
				}
				if err := ping(); err != nil {
					httpStatus = http.StatusServiceUnavailable
					result["status"] = "degraded"
					dependencies[name] = gin.H{
						"status": "error",
						"error":  err.Error(),
					}
					return
				}
				dependencies[name] = gin.H{"status": "ok"}
			}

			reqCtx := ctx.Request.Context()
			check("database", deps.DB != nil, func() error { return database.Health(reqCtx, deps.DB) })
			check("redis", deps.Redis != nil, func() error { return cache.Health(reqCtx, deps.Redis) })
			check("mongo", deps.Mongo != nil, func() error { return mongostore.Health(reqCtx, deps.Mongo) })

			result["dependencies"] = dependencies
		}

		ctx.JSON(httpStatus, result)
	}
}
