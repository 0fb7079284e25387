package domain

import (
	"context"
	"time"
)

// MetricRepository 定义指标存取接口，所有方法都可能因 I/O 失败。
type MetricRepository interface {
	Create(ctx context.Context, record *MetricRecord) error
	FindByPrompt(ctx context.Context, promptID string, dateRange *DateRange) ([]*MetricRecord, error)
	FindByDateRange(ctx context.Context, dateRange DateRange, filter MetricFilter) ([]*MetricRecord, error)
	AggregateByWorkspace(ctx context.Context, workspaceID string, opts AggregateOptions) ([]*AggregateRow, error)
	DeleteByFilter(ctx context.Context, filter MetricFilter) (int64, error)
}

// ReportRepository 定义报表存取接口。
type ReportRepository interface {
	Create(ctx context.Context, report *ReportDocument) error
	GetByID(ctx context.Context, reportID string) (*ReportDocument, error)
	FindByWorkspace(ctx context.Context, workspaceID string, filter ReportFilter, page, limit int) ([]*ReportDocument, error)
	CountDocuments(ctx context.Context, workspaceID string, filter ReportFilter) (int64, error)
	Archive(ctx context.Context, reportID string, reason string, at time.Time) error
	FindExpired(ctx context.Context, before time.Time, limit int) ([]*ReportDocument, error)
}

// Repositories 聚合全部仓储接口，便于依赖注入。
type Repositories struct {
	Metrics MetricRepository
	Reports ReportRepository
}
