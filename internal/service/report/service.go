// Package report 实现报表生成流水线：同步校验入队、后台生成、列表缓存与归档。
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/cache"
	"github.com/zacharykka/prompt-analytics/internal/infra/queue"
	"github.com/zacharykka/prompt-analytics/internal/observability"
	"github.com/zacharykka/prompt-analytics/internal/service/metrics"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
	"github.com/zacharykka/prompt-analytics/pkg/validation"
)

// JobType 是报表生成任务在队列中的类型名。
const JobType = "report.generate"

// ArchiveReasonExpired 是定时归档使用的原因。
const ArchiveReasonExpired = "expired"

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Config 控制报表缓存、有效期与任务重试。
type Config struct {
	ListCacheTTL          time.Duration
	DocCacheTTL           time.Duration
	ValidFor              time.Duration
	Version               string
	InvalidateListOnWrite bool
	JobOptions            queue.Options
	EstimatedCompletion   time.Duration
}

// Analytics 是生成报表所需的指标查询能力，由 metrics.Service 实现。
type Analytics interface {
	GetWorkspaceAnalytics(ctx context.Context, workspaceID string, dateRange domain.DateRange, opts metrics.AnalyticsOptions) (*metrics.WorkspaceAnalytics, error)
	CalculateROI(ctx context.Context, workspaceID string, dateRange domain.DateRange) (*metrics.ROIAnalysis, error)
}

// Service 提供报表相关操作。
type Service struct {
	repo      domain.ReportRepository
	queue     queue.Queue
	analytics Analytics
	cache     cache.Store
	cfg       Config
	validate  *validator.Validate
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option 调整 Service 行为。
type Option func(*Service)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics 启用 Prometheus 埋点。
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService 创建报表服务并向队列注册生成任务处理函数。
func NewService(repo domain.ReportRepository, q queue.Queue, analytics Analytics, store cache.Store, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ListCacheTTL <= 0 {
		cfg.ListCacheTTL = time.Hour
	}
	if cfg.DocCacheTTL <= 0 {
		cfg.DocCacheTTL = time.Hour
	}
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = 30 * 24 * time.Hour
	}
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if cfg.JobOptions.Attempts <= 0 {
		cfg.JobOptions = queue.DefaultOptions()
	}
	if cfg.EstimatedCompletion <= 0 {
		cfg.EstimatedCompletion = 5 * time.Minute
	}

	s := &Service{
		repo:      repo,
		queue:     q,
		analytics: analytics,
		cache:     store,
		cfg:       cfg,
		validate:  validation.New(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if q != nil {
		q.OnJob(JobType, s.HandleJob)
	}
	return s
}

// JobPayload 是报表生成任务的负载。
type JobPayload struct {
	Config      domain.ReportConfig `json:"config"`
	WorkspaceID string              `json:"workspaceId"`
	UserID      string              `json:"userId"`
}

// GenerateResult 是入队后立即返回的结果；EstimatedCompletion 仅为估计值。
type GenerateResult struct {
	JobID               string           `json:"jobId"`
	Status              domain.JobStatus `json:"status"`
	EstimatedCompletion time.Time        `json:"estimatedCompletion"`
}

// GenerateReport 同步校验请求并入队生成任务；校验失败时不会入队。
func (s *Service) GenerateReport(ctx context.Context, cfg domain.ReportConfig, workspaceID, userID string) (*GenerateResult, error) {
	return observability.Track(ctx, s.metrics, "reports.generate", func(ctx context.Context) (*GenerateResult, error) {
		if err := s.validateRequest(cfg, workspaceID, userID); err != nil {
			return nil, err
		}

		requestedAt := s.now().UTC()
		payload := JobPayload{Config: cfg, WorkspaceID: workspaceID, UserID: userID}
		jobID, err := s.queue.Enqueue(ctx, JobType, payload, s.cfg.JobOptions)
		if err != nil {
			s.logger.Error("enqueue report job failed", zap.String("workspace_id", workspaceID), zap.Error(err))
			return nil, apperror.Internal(err)
		}

		s.logger.Info("report job queued",
			zap.String("job_id", jobID),
			zap.String("workspace_id", workspaceID),
			zap.String("report_type", string(cfg.ReportType)),
		)
		return &GenerateResult{
			JobID:               jobID,
			Status:              domain.JobQueued,
			EstimatedCompletion: requestedAt.Add(s.cfg.EstimatedCompletion),
		}, nil
	})
}

func (s *Service) validateRequest(cfg domain.ReportConfig, workspaceID, userID string) error {
	if err := s.validate.Struct(cfg); err != nil {
		return apperror.Validation("invalid report request", validation.Fields(err))
	}
	if !cfg.DateRange.Valid() {
		return invalid(ErrInvalidDateRange)
	}
	if workspaceID == "" {
		return invalid(ErrWorkspaceIDRequired)
	}
	if userID == "" {
		return invalid(ErrUserIDRequired)
	}
	return nil
}

// Pagination 是 1 起始的分页参数。
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func (p Pagination) normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

// PageInfo 描述分页结果。
type PageInfo struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

// ReportPage 是分页的报表列表。
type ReportPage struct {
	Reports    []*domain.ReportDocument `json:"reports"`
	Pagination PageInfo                 `json:"pagination"`
}

// GetWorkspaceReports 分页列出工作区报表（最新在前）。
// 列表缓存默认不在新报表生成后失效，新报表最多延迟一个 TTL 出现。
func (s *Service) GetWorkspaceReports(ctx context.Context, workspaceID string, filter domain.ReportFilter, page Pagination) (*ReportPage, error) {
	return observability.Track(ctx, s.metrics, "reports.list", func(ctx context.Context) (*ReportPage, error) {
		if workspaceID == "" {
			return nil, invalid(ErrWorkspaceIDRequired)
		}
		if filter.ReportType != nil && !filter.ReportType.Valid() {
			return nil, invalid(ErrInvalidReportType)
		}
		if filter.DateRange != nil {
			if !filter.DateRange.Valid() {
				return nil, invalid(ErrInvalidDateRange)
			}
			normalized := filter.DateRange.Normalize()
			filter.DateRange = &normalized
		}
		page = page.normalize()

		key := listKey(workspaceID, filter, page)
		return cache.Fetch(ctx, s.cache, key, s.cfg.ListCacheTTL, func(ctx context.Context) (*ReportPage, error) {
			reports, err := s.repo.FindByWorkspace(ctx, workspaceID, filter, page.Page, page.Limit)
			if err != nil {
				return nil, s.storeError("find_by_workspace", err)
			}
			total, err := s.repo.CountDocuments(ctx, workspaceID, filter)
			if err != nil {
				return nil, s.storeError("count_documents", err)
			}
			if reports == nil {
				reports = []*domain.ReportDocument{}
			}
			limit := int64(page.Limit)
			return &ReportPage{
				Reports: reports,
				Pagination: PageInfo{
					Page:       page.Page,
					Limit:      page.Limit,
					Total:      total,
					TotalPages: (total + limit - 1) / limit,
				},
			}, nil
		}, s.observeCache("list"))
	})
}

// GetReport 按 id 读取报表，结果缓存于 reports:doc:{id}。
func (s *Service) GetReport(ctx context.Context, reportID string) (*domain.ReportDocument, error) {
	return observability.Track(ctx, s.metrics, "reports.get", func(ctx context.Context) (*domain.ReportDocument, error) {
		if reportID == "" {
			return nil, invalid(ErrReportIDRequired)
		}
		return cache.Fetch(ctx, s.cache, docKey(reportID), s.cfg.DocCacheTTL, func(ctx context.Context) (*domain.ReportDocument, error) {
			doc, err := s.repo.GetByID(ctx, reportID)
			if err != nil {
				return nil, s.storeError("get_by_id", err)
			}
			return doc, nil
		}, s.observeCache("doc"))
	})
}

// ArchiveReport 同步归档报表。workspaceID 非空时只允许归档本工作区的报表；
// 报表不存在或属于其他工作区时均返回 NOT_FOUND 且不修改任何数据。
func (s *Service) ArchiveReport(ctx context.Context, workspaceID, reportID, reason string) error {
	_, err := observability.Track(ctx, s.metrics, "reports.archive", func(ctx context.Context) (struct{}, error) {
		if reportID == "" {
			return struct{}{}, invalid(ErrReportIDRequired)
		}
		doc, err := s.repo.GetByID(ctx, reportID)
		if err != nil {
			return struct{}{}, s.storeError("get_by_id", err)
		}
		if workspaceID != "" && doc.WorkspaceID != workspaceID {
			s.logger.Warn("cross-workspace archive rejected",
				zap.String("report_id", reportID),
				zap.String("workspace_id", workspaceID),
			)
			return struct{}{}, apperror.NotFound(ErrReportNotFound.Error(), nil)
		}
		if err := s.repo.Archive(ctx, reportID, reason, s.now().UTC()); err != nil {
			return struct{}{}, s.storeError("archive", err)
		}

		s.evict(ctx, docKey(reportID))
		s.invalidate(ctx, listPattern(doc.WorkspaceID))
		s.logger.Info("report archived", zap.String("report_id", reportID), zap.String("reason", reason))
		return struct{}{}, nil
	})
	return err
}

// JobStatus 查询报表生成任务状态。
func (s *Service) JobStatus(ctx context.Context, jobID string) (*domain.JobState, error) {
	return observability.Track(ctx, s.metrics, "reports.job_status", func(ctx context.Context) (*domain.JobState, error) {
		if jobID == "" {
			return nil, invalid(ErrJobIDRequired)
		}
		state, err := s.queue.Status(ctx, jobID)
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, apperror.NotFound(ErrJobNotFound.Error(), err)
		}
		if err != nil {
			s.logger.Error("load job status failed", zap.String("job_id", jobID), zap.Error(err))
			return nil, apperror.Internal(err)
		}
		return state, nil
	})
}

// ArchiveExpired 归档 validUntil 早于 now 的报表，单次最多 batch 条，返回归档数量。
func (s *Service) ArchiveExpired(ctx context.Context, now time.Time, batch int) (int, error) {
	return observability.Track(ctx, s.metrics, "reports.archive_expired", func(ctx context.Context) (int, error) {
		expired, err := s.repo.FindExpired(ctx, now, batch)
		if err != nil {
			return 0, s.storeError("find_expired", err)
		}

		archived := 0
		var errs error
		workspaces := make(map[string]struct{})
		for _, doc := range expired {
			if err := s.repo.Archive(ctx, doc.ID, ArchiveReasonExpired, now); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				errs = multierr.Append(errs, fmt.Errorf("archive %s: %w", doc.ID, err))
				continue
			}
			archived++
			workspaces[doc.WorkspaceID] = struct{}{}
			s.evict(ctx, docKey(doc.ID))
		}
		for workspaceID := range workspaces {
			s.invalidate(ctx, listPattern(workspaceID))
		}
		if errs != nil {
			return archived, s.storeError("archive_expired", errs)
		}
		return archived, nil
	})
}

func (s *Service) evict(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, key); err != nil {
		s.logger.Warn("report cache eviction failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, pattern string) {
	if s.cache == nil {
		return
	}
	if _, err := cache.InvalidatePattern(ctx, s.cache, pattern); err != nil {
		s.logger.Warn("report cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
	}
}

func (s *Service) observeCache(name string) cache.Observe {
	return func(key, result string, err error) {
		s.metrics.ObserveCache("reports_"+name, result)
		if err != nil {
			s.logger.Warn("report cache unavailable", zap.String("key", key), zap.Error(err))
		}
	}
}

func listKey(workspaceID string, filter domain.ReportFilter, page Pagination) string {
	raw, err := json.Marshal(filter)
	if err != nil {
		raw = nil
	}
	hash := strconv.FormatUint(xxhash.Sum64(raw), 16)
	return fmt.Sprintf("reports:list:%s:%s:%d:%d", workspaceID, hash, page.Page, page.Limit)
}

func listPattern(workspaceID string) string {
	return "reports:list:" + cache.EscapePattern(workspaceID) + ":*"
}

func docKey(reportID string) string {
	return "reports:doc:" + reportID
}
