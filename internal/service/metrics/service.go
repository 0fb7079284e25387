// Package metrics 实现指标写入（校验、重试、缓存失效）与 cache-aside 查询。
package metrics

import (
	"context"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/cache"
	"github.com/zacharykka/prompt-analytics/internal/observability"
	"github.com/zacharykka/prompt-analytics/internal/service/stats"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
	"github.com/zacharykka/prompt-analytics/pkg/retry"
	"github.com/zacharykka/prompt-analytics/pkg/validation"
)

// Config 控制读缓存 TTL 与写入重试。
type Config struct {
	CacheTTL time.Duration
	Retry    retry.Policy
}

// Service 提供指标相关操作。
type Service struct {
	repo     domain.MetricRepository
	cache    cache.Store
	cfg      Config
	validate *validator.Validate
	retrier  *retry.Retrier
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option 调整 Service 行为，主要用于测试。
type Option func(*serviceOptions)

type serviceOptions struct {
	sleeper retry.Sleeper
	now     func() time.Time
	metrics *observability.Metrics
}

// WithSleeper 替换重试等待实现。
func WithSleeper(s retry.Sleeper) Option {
	return func(o *serviceOptions) { o.sleeper = s }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithMetrics 启用 Prometheus 埋点。
func WithMetrics(m *observability.Metrics) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// NewService 创建指标服务；store 为 nil 时不使用缓存。
func NewService(repo domain.MetricRepository, store cache.Store, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	options := serviceOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Service{
		repo:     repo,
		cache:    store,
		cfg:      cfg,
		validate: validation.New(),
		logger:   logger,
		metrics:  options.metrics,
		now:      options.now,
	}

	retryOpts := []retry.Option{
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			s.logger.Warn("metric write failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	}
	if options.sleeper != nil {
		retryOpts = append(retryOpts, retry.WithSleeper(options.sleeper))
	}
	s.retrier = retry.New(cfg.Retry, domain.IsTransient, retryOpts...)
	return s
}

// RecordMetricInput 是写入一条指标所需的字段。
type RecordMetricInput struct {
	PromptID    string                 `json:"promptId" validate:"required"`
	WorkspaceID string                 `json:"workspaceId" validate:"required"`
	UserID      string                 `json:"userId" validate:"required"`
	MetricType  domain.MetricType      `json:"metricType" validate:"required,oneof=USAGE SUCCESS_RATE RESPONSE_TIME ERROR_RATE USER_SATISFACTION ROI COST_SAVINGS"`
	Value       *float64               `json:"value" validate:"required"`
	Timestamp   *time.Time             `json:"timestamp,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// RecordMetric 校验并持久化指标，成功后失效该 prompt 的全部缓存。
// 仅对瞬时存储错误重试；校验失败不会触发任何写入。
func (s *Service) RecordMetric(ctx context.Context, input RecordMetricInput) (*domain.MetricRecord, error) {
	return observability.Track(ctx, s.metrics, "metrics.record", func(ctx context.Context) (*domain.MetricRecord, error) {
		if err := s.validate.Struct(input); err != nil {
			return nil, apperror.Validation("invalid metric", validation.Fields(err))
		}
		if math.IsNaN(*input.Value) || math.IsInf(*input.Value, 0) {
			return nil, invalid(ErrInvalidValue)
		}

		now := s.now().UTC()
		record := &domain.MetricRecord{
			ID:          uuid.NewString(),
			PromptID:    input.PromptID,
			WorkspaceID: input.WorkspaceID,
			UserID:      input.UserID,
			MetricType:  input.MetricType,
			Value:       *input.Value,
			Timestamp:   now,
			Metadata:    domain.SanitizeMetadata(input.Metadata),
			CreatedAt:   now,
		}
		if input.Timestamp != nil && !input.Timestamp.IsZero() {
			record.Timestamp = input.Timestamp.UTC()
		}

		err := s.retrier.Do(ctx, func(ctx context.Context) error {
			return s.repo.Create(ctx, record)
		})
		if err != nil {
			return nil, s.storeError("create", err)
		}

		s.invalidate(ctx, promptPattern(record.PromptID))
		return record, nil
	})
}

// PromptQueryOptions 细化单个 prompt 的指标查询。
type PromptQueryOptions struct {
	MetricTypes []domain.MetricType `json:"metricTypes,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// GetPromptMetrics 返回 prompt 在时间范围内的指标（时间倒序），结果按查询形状缓存。
func (s *Service) GetPromptMetrics(ctx context.Context, promptID string, dateRange domain.DateRange, opts PromptQueryOptions) ([]*domain.MetricRecord, error) {
	return observability.Track(ctx, s.metrics, "metrics.prompt", func(ctx context.Context) ([]*domain.MetricRecord, error) {
		if promptID == "" {
			return nil, invalid(ErrPromptIDRequired)
		}
		if !dateRange.Valid() {
			return nil, invalid(ErrInvalidDateRange)
		}
		if err := validateTypes(opts.MetricTypes); err != nil {
			return nil, err
		}
		if opts.Limit < 0 {
			opts.Limit = 0
		}
		dateRange = dateRange.Normalize()

		key := promptKey(promptID, dateRange, opts)
		return cache.Fetch(ctx, s.cache, key, s.cfg.CacheTTL, func(ctx context.Context) ([]*domain.MetricRecord, error) {
			records, err := s.repo.FindByPrompt(ctx, promptID, &dateRange)
			if err != nil {
				return nil, s.storeError("find_by_prompt", err)
			}
			records = filterTypes(records, opts.MetricTypes)
			if opts.Limit > 0 && len(records) > opts.Limit {
				records = records[:opts.Limit]
			}
			if records == nil {
				records = []*domain.MetricRecord{}
			}
			return records, nil
		}, s.observeCache("prompt"))
	})
}

// AnalyticsOptions 控制工作区分析的分组与时间序列形状。
type AnalyticsOptions struct {
	MetricTypes []domain.MetricType `json:"metricTypes,omitempty"`
	GroupBy     domain.GroupBy      `json:"groupBy,omitempty"`
	Interval    stats.Interval      `json:"interval,omitempty"`
	Aggregation stats.Aggregation   `json:"aggregation,omitempty"`
	Smooth      bool                `json:"smooth,omitempty"`
}

// WorkspaceAnalytics 是工作区在时间范围内的聚合分析结果。
type WorkspaceAnalytics struct {
	WorkspaceID  string                   `json:"workspaceId"`
	DateRange    domain.DateRange         `json:"dateRange"`
	GroupBy      domain.GroupBy           `json:"groupBy"`
	Aggregates   []*domain.AggregateRow   `json:"aggregates"`
	Statistics   map[string]stats.Summary `json:"statistics"`
	Overall      stats.Summary            `json:"overall"`
	TimeSeries   []stats.Point            `json:"timeSeries"`
	Smoothed     []stats.Point            `json:"smoothed,omitempty"`
	Trend        stats.Trend              `json:"trend"`
	Confidence   float64                  `json:"confidence"`
	TotalRecords int64                    `json:"totalRecords"`
}

// GetWorkspaceAnalytics 计算工作区聚合、按类型统计、时间序列、趋势与置信度。
func (s *Service) GetWorkspaceAnalytics(ctx context.Context, workspaceID string, dateRange domain.DateRange, opts AnalyticsOptions) (*WorkspaceAnalytics, error) {
	return observability.Track(ctx, s.metrics, "metrics.workspace", func(ctx context.Context) (*WorkspaceAnalytics, error) {
		if workspaceID == "" {
			return nil, invalid(ErrWorkspaceIDRequired)
		}
		if !dateRange.Valid() {
			return nil, invalid(ErrInvalidDateRange)
		}
		normalized, err := normalizeAnalyticsOptions(opts)
		if err != nil {
			return nil, err
		}
		opts = normalized
		dateRange = dateRange.Normalize()

		key := workspaceKey(workspaceID, dateRange, opts)
		return cache.Fetch(ctx, s.cache, key, s.cfg.CacheTTL, func(ctx context.Context) (*WorkspaceAnalytics, error) {
			return s.computeAnalytics(ctx, workspaceID, dateRange, opts)
		}, s.observeCache("workspace"))
	})
}

func (s *Service) computeAnalytics(ctx context.Context, workspaceID string, dateRange domain.DateRange, opts AnalyticsOptions) (*WorkspaceAnalytics, error) {
	rows, err := s.repo.AggregateByWorkspace(ctx, workspaceID, domain.AggregateOptions{
		DateRange:   &dateRange,
		MetricTypes: opts.MetricTypes,
		GroupBy:     opts.GroupBy,
	})
	if err != nil {
		return nil, s.storeError("aggregate", err)
	}
	records, err := s.repo.FindByDateRange(ctx, dateRange, domain.MetricFilter{
		WorkspaceID: workspaceID,
		MetricTypes: opts.MetricTypes,
	})
	if err != nil {
		return nil, s.storeError("find_by_date_range", err)
	}

	series := stats.BucketTimeSeries(records, opts.Interval, opts.Aggregation)
	analytics := &WorkspaceAnalytics{
		WorkspaceID:  workspaceID,
		DateRange:    dateRange,
		GroupBy:      opts.GroupBy,
		Aggregates:   rows,
		Statistics:   stats.Aggregate(records, domain.GroupByMetricType),
		Overall:      stats.Overall(records),
		TimeSeries:   series,
		Trend:        stats.TrendOfPoints(series, stats.TimeSeriesTrendThreshold),
		Confidence:   stats.ConfidenceScore(records),
		TotalRecords: int64(len(records)),
	}
	if analytics.Aggregates == nil {
		analytics.Aggregates = []*domain.AggregateRow{}
	}
	if analytics.TimeSeries == nil {
		analytics.TimeSeries = []stats.Point{}
	}
	if opts.Smooth {
		analytics.Smoothed = stats.MovingAverage(series, 3)
	}
	return analytics, nil
}

// ROIAnalysis 是工作区 ROI 计算结果及收益趋势。
type ROIAnalysis struct {
	WorkspaceID string           `json:"workspaceId"`
	DateRange   domain.DateRange `json:"dateRange"`
	stats.ROIResult
	Trend stats.Trend `json:"trend"`
}

// CalculateROI 以 ROI/COST_SAVINGS 指标计算投资回报；metadata.category 为 cost 的记录计入成本，其余计入收益。
func (s *Service) CalculateROI(ctx context.Context, workspaceID string, dateRange domain.DateRange) (*ROIAnalysis, error) {
	return observability.Track(ctx, s.metrics, "metrics.roi", func(ctx context.Context) (*ROIAnalysis, error) {
		if workspaceID == "" {
			return nil, invalid(ErrWorkspaceIDRequired)
		}
		if !dateRange.Valid() {
			return nil, invalid(ErrInvalidDateRange)
		}
		dateRange = dateRange.Normalize()

		key := roiKey(workspaceID, dateRange)
		return cache.Fetch(ctx, s.cache, key, s.cfg.CacheTTL, func(ctx context.Context) (*ROIAnalysis, error) {
			records, err := s.repo.FindByDateRange(ctx, dateRange, domain.MetricFilter{
				WorkspaceID: workspaceID,
				MetricTypes: []domain.MetricType{domain.MetricROI, domain.MetricCostSavings},
			})
			if err != nil {
				return nil, s.storeError("find_roi_records", err)
			}
			cost, benefit := splitCostBenefit(records)
			return &ROIAnalysis{
				WorkspaceID: workspaceID,
				DateRange:   dateRange,
				ROIResult:   stats.ROI(cost, benefit),
				Trend:       stats.TrendOfRecords(benefit, stats.ROITrendThreshold),
			}, nil
		}, s.observeCache("roi"))
	})
}

// PurgeMetrics 按条件批量删除指标并失效相关缓存；空条件被拒绝。
func (s *Service) PurgeMetrics(ctx context.Context, filter domain.MetricFilter) (int64, error) {
	return observability.Track(ctx, s.metrics, "metrics.purge", func(ctx context.Context) (int64, error) {
		if filter.Empty() {
			return 0, invalid(ErrEmptyFilter)
		}
		if filter.DateRange != nil && !filter.DateRange.Valid() {
			return 0, invalid(ErrInvalidDateRange)
		}
		if err := validateTypes(filter.MetricTypes); err != nil {
			return 0, err
		}

		deleted, err := s.repo.DeleteByFilter(ctx, filter)
		if err != nil {
			return 0, s.storeError("delete_by_filter", err)
		}
		if deleted > 0 {
			if filter.PromptID != "" {
				s.invalidate(ctx, promptPattern(filter.PromptID))
			} else {
				s.invalidate(ctx, "metrics:*")
			}
		}
		return deleted, nil
	})
}

func (s *Service) invalidate(ctx context.Context, pattern string) {
	if s.cache == nil {
		return
	}
	removed, err := cache.InvalidatePattern(ctx, s.cache, pattern)
	if err != nil {
		s.logger.Warn("metrics cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		return
	}
	s.logger.Debug("metrics cache invalidated", zap.String("pattern", pattern), zap.Int("keys", removed))
}

func (s *Service) observeCache(name string) cache.Observe {
	return func(key, result string, err error) {
		s.metrics.ObserveCache("metrics_"+name, result)
		if err != nil {
			s.logger.Warn("metrics cache unavailable", zap.String("key", key), zap.Error(err))
		}
	}
}

func normalizeAnalyticsOptions(opts AnalyticsOptions) (AnalyticsOptions, error) {
	if err := validateTypes(opts.MetricTypes); err != nil {
		return opts, err
	}
	if opts.GroupBy == "" {
		opts.GroupBy = domain.GroupByMetricType
	}
	if !opts.GroupBy.Valid() {
		return opts, invalid(ErrInvalidGroupBy)
	}
	interval, err := stats.ParseInterval(string(opts.Interval))
	if err != nil {
		return opts, apperror.Validation(err.Error(), nil)
	}
	aggregation, err := stats.ParseAggregation(string(opts.Aggregation))
	if err != nil {
		return opts, apperror.Validation(err.Error(), nil)
	}
	opts.Interval = interval
	opts.Aggregation = aggregation
	return opts, nil
}

func validateTypes(types []domain.MetricType) error {
	for _, t := range types {
		if !t.Valid() {
			return apperror.Validation(ErrInvalidMetricType.Error(), map[string]string{"metricType": string(t)})
		}
	}
	return nil
}

func filterTypes(records []*domain.MetricRecord, types []domain.MetricType) []*domain.MetricRecord {
	if len(types) == 0 {
		return records
	}
	allowed := make(map[domain.MetricType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	filtered := make([]*domain.MetricRecord, 0, len(records))
	for _, r := range records {
		if _, ok := allowed[r.MetricType]; ok {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func splitCostBenefit(records []*domain.MetricRecord) (cost, benefit []*domain.MetricRecord) {
	for _, r := range records {
		if r == nil {
			continue
		}
		if category, _ := r.Metadata["category"].(string); category == "cost" {
			cost = append(cost, r)
			continue
		}
		benefit = append(benefit, r)
	}
	return cost, benefit
}
