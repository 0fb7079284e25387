package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultEnv        = "development"
	envKey            = "PROMPT_ANALYTICS_ENV"
	envPrefix         = "PROMPT_ANALYTICS"
	defaultConfigName = "default"
	configType        = "yaml"
)

// 可选后端名称。
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendMongo  = "mongo"
)

// Config 聚合应用所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 描述应用级别的元信息。
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// ServerConfig 负责 HTTP 服务相关配置。
type ServerConfig struct {
	Host            string                `mapstructure:"host"`
	Port            int                   `mapstructure:"port"`
	ReadTimeout     time.Duration         `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration         `mapstructure:"writeTimeout"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
	MaxRequestBody  int64                 `mapstructure:"maxRequestBody"`
	CORS            CORSConfig            `mapstructure:"cors"`
	SecurityHeaders SecurityHeadersConfig `mapstructure:"securityHeaders"`
	RateLimit       RateLimitConfig       `mapstructure:"rateLimit"`
}

// CORSConfig 控制跨域访问白名单及相关选项。
type CORSConfig struct {
	AllowOrigins     []string `mapstructure:"allowOrigins"`
	AllowCredentials bool     `mapstructure:"allowCredentials"`
}

// SecurityHeadersConfig 控制通用安全响应头的行为。
type SecurityHeadersConfig struct {
	FrameOptions              string `mapstructure:"frameOptions"`
	ContentTypeNosniff        bool   `mapstructure:"contentTypeNosniff"`
	ReferrerPolicy            string `mapstructure:"referrerPolicy"`
	XSSProtection             string `mapstructure:"xssProtection"`
	ContentSecurityPolicy     string `mapstructure:"contentSecurityPolicy"`
	CrossOriginOpenerPolicy   string `mapstructure:"crossOriginOpenerPolicy"`
	CrossOriginEmbedderPolicy string `mapstructure:"crossOriginEmbedderPolicy"`
	CrossOriginResourcePolicy string `mapstructure:"crossOriginResourcePolicy"`
	StrictTransportSecurity   string `mapstructure:"strictTransportSecurity"`
}

// RateLimitConfig 使用 limiter 的速率格式，例如 "100-M"。
type RateLimitConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Rate    string `mapstructure:"rate"`
	Store   string `mapstructure:"store"`
}

// DatabaseConfig 定义数据库连接选项，兼容 SQLite 与 PostgreSQL。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpen         int           `mapstructure:"maxOpen"`
	MaxIdle         int           `mapstructure:"maxIdle"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	AutoMigrate     bool          `mapstructure:"autoMigrate"`
	MigrationsDir   string        `mapstructure:"migrationsDir"`
}

// RedisConfig 描述 Redis 客户端所需的连接参数。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// MongoConfig 描述文档存储连接参数。
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	MaxPoolSize    uint64        `mapstructure:"maxPoolSize"`
}

// StoreConfig 选择指标与报表的持久化后端：sql 或 mongo。
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// CacheConfig 控制查询缓存后端。
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"`
	DefaultTTL time.Duration `mapstructure:"defaultTTL"`
	MaxEntries int           `mapstructure:"maxEntries"`
}

// QueueConfig 控制报表任务队列。
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	Workers      int           `mapstructure:"workers"`
	BufferSize   int           `mapstructure:"bufferSize"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	StateTTL     time.Duration `mapstructure:"stateTTL"`
	KeyPrefix    string        `mapstructure:"keyPrefix"`
	DrainTimeout time.Duration `mapstructure:"drainTimeout"`
}

// RetryConfig 描述有界指数退避。
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	Factor         float64       `mapstructure:"factor"`
}

// AnalyticsConfig 控制指标写入重试与读缓存。
type AnalyticsConfig struct {
	CacheTTL time.Duration `mapstructure:"cacheTTL"`
	Retry    RetryConfig   `mapstructure:"retry"`
}

// ReportsConfig 控制报表生成、缓存与有效期。
type ReportsConfig struct {
	ListCacheTTL          time.Duration `mapstructure:"listCacheTTL"`
	DocCacheTTL           time.Duration `mapstructure:"docCacheTTL"`
	ValidFor              time.Duration `mapstructure:"validFor"`
	Version               string        `mapstructure:"version"`
	InvalidateListOnWrite bool          `mapstructure:"invalidateListOnWrite"`
	JobAttempts           int           `mapstructure:"jobAttempts"`
	JobBackoff            time.Duration `mapstructure:"jobBackoff"`
	JobBackoffFactor      float64       `mapstructure:"jobBackoffFactor"`
	EstimatedCompletion   time.Duration `mapstructure:"estimatedCompletion"`
}

// SchedulerConfig 控制定时归档与指标保留。
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ArchiveSpec     string        `mapstructure:"archiveSpec"`
	ArchiveBatch    int           `mapstructure:"archiveBatch"`
	RetentionSpec   string        `mapstructure:"retentionSpec"`
	MetricRetention time.Duration `mapstructure:"metricRetention"`
}

// AuthConfig 管理 JWT 校验参数；AccessTokenSecret 为空时不启用鉴权。
type AuthConfig struct {
	AccessTokenSecret string `mapstructure:"accessTokenSecret"`
}

// Enabled 判断是否启用 JWT 鉴权。
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.AccessTokenSecret) != ""
}

// LoggingConfig 控制日志输出级别与文件轮转。
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

// Load 从给定路径加载配置；若 env 为空会自动读取环境变量或回退到默认值。
func Load(configDir string, env string) (*Config, error) {
	chosenEnv := determineEnv(env)

	v := viper.New()
	v.SetConfigType(configType)
	v.SetConfigName(defaultConfigName)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read base config: %w", err)
	}

	if chosenEnv != defaultConfigName {
		envConfig := viper.New()
		envConfig.SetConfigType(configType)
		envConfig.SetConfigName(chosenEnv)
		envConfig.AddConfigPath(configDir)

		if err := envConfig.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(envConfig.AllSettings()); err != nil {
				return nil, fmt.Errorf("merge %s config: %w", chosenEnv, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg, chosenEnv)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// determineEnv 统一处理环境变量回退逻辑。
func determineEnv(env string) string {
	if env != "" {
		return env
	}
	if fromEnv := os.Getenv(envKey); fromEnv != "" {
		return fromEnv
	}
	return defaultEnv
}

// applyDefaults 补齐缺失字段，避免配置不完整导致的崩溃。
func applyDefaults(cfg *Config, env string) {
	if cfg.App.Name == "" {
		cfg.App.Name = "prompt-analytics"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = env
	}
	applyServerDefaults(&cfg.Server)

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.ToSlash("file:./data/analytics.db?cache=shared")
	}
	if cfg.Database.MaxOpen == 0 {
		cfg.Database.MaxOpen = 10
	}
	if cfg.Database.MaxIdle == 0 {
		cfg.Database.MaxIdle = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "db/migrations"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "prompt_analytics"
	}
	if cfg.Mongo.ConnectTimeout == 0 {
		cfg.Mongo.ConnectTimeout = 10 * time.Second
	}
	if cfg.Mongo.MaxPoolSize == 0 {
		cfg.Mongo.MaxPoolSize = 50
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendSQL
	}

	if cfg.Cache.Backend == "" {
		if cfg.Redis.Enabled() {
			cfg.Cache.Backend = BackendRedis
		} else {
			cfg.Cache.Backend = BackendMemory
		}
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = time.Hour
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = BackendMemory
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.BufferSize == 0 {
		cfg.Queue.BufferSize = 256
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 500 * time.Millisecond
	}
	if cfg.Queue.StateTTL == 0 {
		cfg.Queue.StateTTL = 24 * time.Hour
	}
	if cfg.Queue.KeyPrefix == "" {
		cfg.Queue.KeyPrefix = "queue:"
	}
	if cfg.Queue.DrainTimeout == 0 {
		cfg.Queue.DrainTimeout = 30 * time.Second
	}

	if cfg.Analytics.CacheTTL == 0 {
		cfg.Analytics.CacheTTL = time.Hour
	}
	if cfg.Analytics.Retry.MaxAttempts == 0 {
		cfg.Analytics.Retry.MaxAttempts = 3
	}
	if cfg.Analytics.Retry.InitialBackoff == 0 {
		cfg.Analytics.Retry.InitialBackoff = time.Second
	}
	if cfg.Analytics.Retry.MaxBackoff == 0 {
		cfg.Analytics.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Analytics.Retry.Factor == 0 {
		cfg.Analytics.Retry.Factor = 2
	}

	if cfg.Reports.ListCacheTTL == 0 {
		cfg.Reports.ListCacheTTL = time.Hour
	}
	if cfg.Reports.DocCacheTTL == 0 {
		cfg.Reports.DocCacheTTL = time.Hour
	}
	if cfg.Reports.ValidFor == 0 {
		cfg.Reports.ValidFor = 30 * 24 * time.Hour
	}
	if cfg.Reports.Version == "" {
		cfg.Reports.Version = "1.0"
	}
	if cfg.Reports.JobAttempts == 0 {
		cfg.Reports.JobAttempts = 3
	}
	if cfg.Reports.JobBackoff == 0 {
		cfg.Reports.JobBackoff = time.Second
	}
	if cfg.Reports.JobBackoffFactor == 0 {
		cfg.Reports.JobBackoffFactor = 2
	}
	if cfg.Reports.EstimatedCompletion == 0 {
		cfg.Reports.EstimatedCompletion = 5 * time.Minute
	}

	if cfg.Scheduler.ArchiveSpec == "" {
		cfg.Scheduler.ArchiveSpec = "@every 1h"
	}
	if cfg.Scheduler.ArchiveBatch == 0 {
		cfg.Scheduler.ArchiveBatch = 100
	}
	if cfg.Scheduler.RetentionSpec == "" {
		cfg.Scheduler.RetentionSpec = "@daily"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 14
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 10 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.MaxRequestBody <= 0 {
		s.MaxRequestBody = 1024 * 1024
	}
	if len(s.CORS.AllowOrigins) == 0 {
		s.CORS.AllowOrigins = []string{"*"}
	}
	if s.SecurityHeaders.FrameOptions == "" {
		s.SecurityHeaders.FrameOptions = "DENY"
	}
	if !s.SecurityHeaders.ContentTypeNosniff {
		s.SecurityHeaders.ContentTypeNosniff = true
	}
	if s.SecurityHeaders.ReferrerPolicy == "" {
		s.SecurityHeaders.ReferrerPolicy = "no-referrer"
	}
	if s.SecurityHeaders.XSSProtection == "" {
		s.SecurityHeaders.XSSProtection = "0"
	}
	if s.SecurityHeaders.CrossOriginOpenerPolicy == "" {
		s.SecurityHeaders.CrossOriginOpenerPolicy = "same-origin"
	}
	if s.SecurityHeaders.CrossOriginResourcePolicy == "" {
		s.SecurityHeaders.CrossOriginResourcePolicy = "same-site"
	}
	if s.RateLimit.Rate == "" {
		s.RateLimit.Rate = "600-M"
	}
	if s.RateLimit.Store == "" {
		s.RateLimit.Store = BackendMemory
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Auth.Enabled() {
		if err := validateSecret("auth.accessTokenSecret", cfg.Auth.AccessTokenSecret); err != nil {
			return err
		}
	}
	if err := validateCORSConfig(cfg.Server.CORS, cfg.App.Env); err != nil {
		return err
	}
	if err := validateSecurityHeaders(cfg.Server.SecurityHeaders); err != nil {
		return err
	}
	if err := validateBackends(cfg); err != nil {
		return err
	}
	if cfg.Analytics.Retry.MaxAttempts < 1 || cfg.Reports.JobAttempts < 1 {
		return fmt.Errorf("config retry attempts must be at least 1")
	}
	if cfg.Analytics.Retry.Factor < 1 || cfg.Reports.JobBackoffFactor < 1 {
		return fmt.Errorf("config backoff factor must be at least 1")
	}
	return nil
}

func validateBackends(cfg *Config) error {
	switch cfg.Store.Backend {
	case BackendSQL:
	case BackendMongo:
		if strings.TrimSpace(cfg.Mongo.URI) == "" {
			return fmt.Errorf("config mongo.uri is required when store.backend is mongo")
		}
	default:
		return fmt.Errorf("config store.backend must be sql or mongo, got %q", cfg.Store.Backend)
	}

	for field, backend := range map[string]string{
		"cache.backend":          cfg.Cache.Backend,
		"queue.backend":          cfg.Queue.Backend,
		"server.rateLimit.store": cfg.Server.RateLimit.Store,
	} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if !cfg.Redis.Enabled() {
				return fmt.Errorf("config redis.addr is required when %s is redis", field)
			}
		default:
			return fmt.Errorf("config %s must be memory or redis, got %q", field, backend)
		}
	}
	return nil
}

func validateSecret(field, secret string) error {
	clean := strings.TrimSpace(secret)
	if len(clean) < 32 {
		return fmt.Errorf("config %s must be at least 32 characters", field)
	}
	if strings.Contains(strings.ToLower(clean), "change-me") {
		return fmt.Errorf("config %s must not use default placeholder", field)
	}
	return nil
}

func validateCORSConfig(corsCfg CORSConfig, env string) error {
	for _, origin := range corsCfg.AllowOrigins {
		clean := strings.TrimSpace(origin)
		if clean == "" {
			return fmt.Errorf("config server.cors.allowOrigins must not contain empty entries")
		}
		if env == "production" && clean == "*" {
			return fmt.Errorf("config server.cors.allowOrigins must not use wildcard '*' in production")
		}
	}
	return nil
}

func validateSecurityHeaders(secCfg SecurityHeadersConfig) error {
	frame := strings.TrimSpace(strings.ToUpper(secCfg.FrameOptions))
	if frame != "" && frame != "DENY" && frame != "SAMEORIGIN" {
		return fmt.Errorf("config server.securityHeaders.frameOptions must be DENY or SAMEORIGIN when set")
	}
	return nil
}

// Addr 返回 HTTP 服务监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
