package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/cache"
	"github.com/zacharykka/prompt-analytics/internal/infra/queue"
	"github.com/zacharykka/prompt-analytics/internal/service/metrics"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

// HandleJob 是 report.generate 任务的处理函数。
// 负载或请求本身无效时返回 Permanent 错误，其余错误交给队列重试。
func (s *Service) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode report payload: %w", err))
	}

	doc, err := s.Generate(ctx, payload.Config, payload.WorkspaceID, payload.UserID)
	if err != nil {
		if apperror.Is(err, apperror.CodeValidation) || apperror.Is(err, apperror.CodeStore) {
			return queue.Permanent(err)
		}
		return err
	}

	s.logger.Info("report generated",
		zap.String("job_id", job.ID),
		zap.String("report_id", doc.ID),
		zap.String("workspace_id", doc.WorkspaceID),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// Generate 汇总指标、生成洞察并持久化报表文档，成功后写入文档缓存。
func (s *Service) Generate(ctx context.Context, cfg domain.ReportConfig, workspaceID, userID string) (*domain.ReportDocument, error) {
	if err := s.validateRequest(cfg, workspaceID, userID); err != nil {
		return nil, err
	}
	dateRange := cfg.DateRange.Normalize()

	analytics, err := s.analytics.GetWorkspaceAnalytics(ctx, workspaceID, dateRange, metrics.AnalyticsOptions{
		MetricTypes: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	var roi *metrics.ROIAnalysis
	if cfg.HasMetric(domain.MetricROI) {
		roi, err = s.analytics.CalculateROI(ctx, workspaceID, dateRange)
		if err != nil {
			return nil, err
		}
	}

	generatedAt := s.now().UTC()
	doc := &domain.ReportDocument{
		ID:            uuid.NewString(),
		WorkspaceID:   workspaceID,
		UserID:        userID,
		ReportType:    cfg.ReportType,
		Configuration: cfg,
		Data:          buildData(analytics, roi),
		GeneratedAt:   generatedAt,
		ValidUntil:    generatedAt.Add(s.cfg.ValidFor),
		Metadata: domain.ReportMetadata{
			GeneratedBy: userID,
			Version:     s.cfg.Version,
		},
	}

	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, s.storeError("create", err)
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, docKey(doc.ID), doc, s.cfg.DocCacheTTL); err != nil {
			s.logger.Warn("cache report document failed", zap.String("report_id", doc.ID), zap.Error(err))
		}
	}
	if s.cfg.InvalidateListOnWrite {
		s.invalidate(ctx, listPattern(workspaceID))
	}
	return doc, nil
}

func buildData(analytics *metrics.WorkspaceAnalytics, roi *metrics.ROIAnalysis) domain.ReportData {
	data := domain.ReportData{
		Summary: domain.ReportSummary{
			TotalRecords:   analytics.TotalRecords,
			MetricTypes:    len(analytics.Statistics),
			Confidence:     analytics.Confidence,
			TrendDirection: string(analytics.Trend.Direction),
			TrendPercent:   analytics.Trend.ChangePercent,
		},
		Metrics:  make(map[string]domain.MetricSummary, len(analytics.Statistics)),
		Insights: buildInsights(analytics, roi),
	}
	for metricType, summary := range analytics.Statistics {
		data.Metrics[metricType] = summary
	}
	if roi != nil {
		data.Summary.ROI = &domain.ROISummary{
			ROI:           roi.ROI,
			PaybackPeriod: roi.PaybackPeriod,
			TotalCost:     roi.TotalCost,
			TotalBenefit:  roi.TotalBenefit,
		}
	}
	return data
}

// buildInsights 生成可读结论：各类型均值、首尾时间点比较的整体趋势，以及 ROI。
// 趋势只比较首尾两点，不做回归拟合。
func buildInsights(analytics *metrics.WorkspaceAnalytics, roi *metrics.ROIAnalysis) []string {
	types := make([]string, 0, len(analytics.Statistics))
	for metricType := range analytics.Statistics {
		types = append(types, metricType)
	}
	sort.Strings(types)

	insights := make([]string, 0, len(types)+2)
	for _, metricType := range types {
		insights = append(insights, fmt.Sprintf("Average %s: %.2f", metricType, analytics.Statistics[metricType].Mean))
	}

	if points := analytics.TimeSeries; len(points) >= 2 {
		first, last := points[0].Value, points[len(points)-1].Value
		if first != 0 {
			change := (last - first) / math.Abs(first) * 100
			if change != 0 {
				direction := "increase"
				if change < 0 {
					direction = "decrease"
				}
				insights = append(insights, fmt.Sprintf("Overall trend shows %s of %.2f%%", direction, math.Abs(change)))
			}
		}
	}

	if roi != nil {
		insights = append(insights, fmt.Sprintf("ROI for the period is %.2f%% (cost %.2f, benefit %.2f)", roi.ROI, roi.TotalCost, roi.TotalBenefit))
	}
	return insights
}
