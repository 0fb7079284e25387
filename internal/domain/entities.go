package domain

import (
	"strings"
	"time"
)

// MetricType 枚举可记录的指标类型。
type MetricType string

const (
	MetricUsage            MetricType = "USAGE"
	MetricSuccessRate      MetricType = "SUCCESS_RATE"
	MetricResponseTime     MetricType = "RESPONSE_TIME"
	MetricErrorRate        MetricType = "ERROR_RATE"
	MetricUserSatisfaction MetricType = "USER_SATISFACTION"
	MetricROI              MetricType = "ROI"
	MetricCostSavings      MetricType = "COST_SAVINGS"
)

// MetricTypes 返回全部合法的指标类型，顺序固定。
func MetricTypes() []MetricType {
	return []MetricType{
		MetricUsage,
		MetricSuccessRate,
		MetricResponseTime,
		MetricErrorRate,
		MetricUserSatisfaction,
		MetricROI,
		MetricCostSavings,
	}
}

// Valid 判断指标类型是否属于枚举值。
func (t MetricType) Valid() bool {
	for _, candidate := range MetricTypes() {
		if candidate == t {
			return true
		}
	}
	return false
}

// ReportType 枚举报表类型。
type ReportType string

const (
	ReportUsageSummary       ReportType = "USAGE_SUMMARY"
	ReportPerformanceMetrics ReportType = "PERFORMANCE_METRICS"
	ReportROIAnalysis        ReportType = "ROI_ANALYSIS"
	ReportTeamAnalytics      ReportType = "TEAM_ANALYTICS"
)

// Valid 判断报表类型是否属于枚举值。
func (t ReportType) Valid() bool {
	switch t {
	case ReportUsageSummary, ReportPerformanceMetrics, ReportROIAnalysis, ReportTeamAnalytics:
		return true
	default:
		return false
	}
}

// DateRange 表示闭区间时间范围。
type DateRange struct {
	Start time.Time `json:"start" bson:"start"`
	End   time.Time `json:"end" bson:"end"`
}

// Valid 要求 Start 不晚于 End。
func (r DateRange) Valid() bool {
	return !r.Start.After(r.End)
}

// Normalize 统一转换为 UTC 并截断到毫秒，保证缓存 key 与存储精度一致。
func (r DateRange) Normalize() DateRange {
	return DateRange{
		Start: r.Start.UTC().Truncate(time.Millisecond),
		End:   r.End.UTC().Truncate(time.Millisecond),
	}
}

// MetricRecord 是单条指标观测值。
type MetricRecord struct {
	ID          string                 `json:"id" bson:"_id"`
	PromptID    string                 `json:"promptId" bson:"promptId"`
	WorkspaceID string                 `json:"workspaceId" bson:"workspaceId"`
	UserID      string                 `json:"userId" bson:"userId"`
	MetricType  MetricType             `json:"metricType" bson:"metricType"`
	Value       float64                `json:"value" bson:"value"`
	Timestamp   time.Time              `json:"timestamp" bson:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt" bson:"createdAt"`
}

// sensitiveMetadataKeys 在持久化前需要剔除的元数据字段（已归一化）。
var sensitiveMetadataKeys = map[string]struct{}{
	"useremail": {},
	"ipaddress": {},
	"sessionid": {},
	"authtoken": {},
}

// SanitizeMetadata 返回剔除敏感字段后的元数据副本。
func SanitizeMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(metadata) == 0 {
		return nil
	}
	clean := make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		if _, sensitive := sensitiveMetadataKeys[normalizeKey(key)]; sensitive {
			continue
		}
		clean[key] = value
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MetricFilter 描述指标查询与批量删除条件，零值字段不参与过滤。
type MetricFilter struct {
	WorkspaceID string       `json:"workspaceId,omitempty"`
	PromptID    string       `json:"promptId,omitempty"`
	UserID      string       `json:"userId,omitempty"`
	MetricTypes []MetricType `json:"metricTypes,omitempty"`
	DateRange   *DateRange   `json:"dateRange,omitempty"`
	Before      *time.Time   `json:"before,omitempty"`
}

// Empty 判断过滤条件是否为空，批量删除时禁止空条件。
func (f MetricFilter) Empty() bool {
	return f.WorkspaceID == "" && f.PromptID == "" && f.UserID == "" &&
		len(f.MetricTypes) == 0 && f.DateRange == nil && f.Before == nil
}

// GroupBy 聚合分组维度。
type GroupBy string

const (
	GroupByMetricType GroupBy = "metricType"
	GroupByPrompt     GroupBy = "promptId"
	GroupByUser       GroupBy = "userId"
	GroupByDay        GroupBy = "day"
)

// Valid 判断分组维度是否受支持。
func (g GroupBy) Valid() bool {
	switch g {
	case GroupByMetricType, GroupByPrompt, GroupByUser, GroupByDay:
		return true
	default:
		return false
	}
}

// AggregateOptions 控制按工作区聚合的行为。
type AggregateOptions struct {
	DateRange   *DateRange
	MetricTypes []MetricType
	GroupBy     GroupBy
}

// AggregateRow 是分组聚合结果的一行。
type AggregateRow struct {
	ID      string  `json:"_id" bson:"_id"`
	Average float64 `json:"average" bson:"average"`
	Sum     float64 `json:"sum" bson:"sum"`
	Min     float64 `json:"min" bson:"min"`
	Max     float64 `json:"max" bson:"max"`
	Count   int64   `json:"count" bson:"count"`
}

// ReportConfig 描述一次报表请求。
type ReportConfig struct {
	Title         string       `json:"title" bson:"title" validate:"required"`
	Description   string       `json:"description" bson:"description" validate:"required"`
	ReportType    ReportType   `json:"reportType" bson:"reportType" validate:"required,oneof=USAGE_SUMMARY PERFORMANCE_METRICS ROI_ANALYSIS TEAM_ANALYTICS"`
	DateRange     *DateRange   `json:"dateRange" bson:"dateRange" validate:"required"`
	Metrics       []MetricType `json:"metrics" bson:"metrics" validate:"required,min=1,dive,oneof=USAGE SUCCESS_RATE RESPONSE_TIME ERROR_RATE USER_SATISFACTION ROI COST_SAVINGS"`
	Visualization *string      `json:"visualization,omitempty" bson:"visualization,omitempty"`
	ExportFormat  *string      `json:"exportFormat,omitempty" bson:"exportFormat,omitempty"`
}

// HasMetric 判断报表是否请求了指定指标。
func (c ReportConfig) HasMetric(metricType MetricType) bool {
	for _, m := range c.Metrics {
		if m == metricType {
			return true
		}
	}
	return false
}

// ReportData 是报表的计算结果。
type ReportData struct {
	Summary  ReportSummary            `json:"summary" bson:"summary"`
	Metrics  map[string]MetricSummary `json:"metrics" bson:"metrics"`
	Insights []string                 `json:"insights" bson:"insights"`
}

// ReportSummary 汇总报表整体统计。
type ReportSummary struct {
	TotalRecords   int64       `json:"totalRecords" bson:"totalRecords"`
	MetricTypes    int         `json:"metricTypes" bson:"metricTypes"`
	Confidence     float64     `json:"confidence" bson:"confidence"`
	TrendDirection string      `json:"trendDirection" bson:"trendDirection"`
	TrendPercent   float64     `json:"trendPercent" bson:"trendPercent"`
	ROI            *ROISummary `json:"roi,omitempty" bson:"roi,omitempty"`
}

// ROISummary 嵌入报表中的 ROI 结果。
type ROISummary struct {
	ROI           float64 `json:"roi" bson:"roi"`
	PaybackPeriod float64 `json:"paybackPeriod" bson:"paybackPeriod"`
	TotalCost     float64 `json:"totalCost" bson:"totalCost"`
	TotalBenefit  float64 `json:"totalBenefit" bson:"totalBenefit"`
}

// MetricSummary 是单个指标类型的描述性统计。
type MetricSummary struct {
	Mean   float64 `json:"mean" bson:"mean"`
	Median float64 `json:"median" bson:"median"`
	StdDev float64 `json:"stdDev" bson:"stdDev"`
	Min    float64 `json:"min" bson:"min"`
	Max    float64 `json:"max" bson:"max"`
	Count  int     `json:"count" bson:"count"`
}

// ReportMetadata 记录生成与归档信息。
type ReportMetadata struct {
	GeneratedBy    string     `json:"generatedBy" bson:"generatedBy"`
	Version        string     `json:"version" bson:"version"`
	ArchivalReason *string    `json:"archivalReason,omitempty" bson:"archivalReason,omitempty"`
	ArchivalDate   *time.Time `json:"archivalDate,omitempty" bson:"archivalDate,omitempty"`
}

// ReportDocument 是持久化的报表。
type ReportDocument struct {
	ID            string         `json:"id" bson:"_id"`
	WorkspaceID   string         `json:"workspaceId" bson:"workspaceId"`
	UserID        string         `json:"userId" bson:"userId"`
	ReportType    ReportType     `json:"reportType" bson:"reportType"`
	Configuration ReportConfig   `json:"configuration" bson:"configuration"`
	Data          ReportData     `json:"data" bson:"data"`
	GeneratedAt   time.Time      `json:"generatedAt" bson:"generatedAt"`
	ValidUntil    time.Time      `json:"validUntil" bson:"validUntil"`
	IsArchived    bool           `json:"isArchived" bson:"isArchived"`
	Metadata      ReportMetadata `json:"metadata" bson:"metadata"`
}

// ReportFilter 控制报表列表查询。
type ReportFilter struct {
	ReportType *ReportType `json:"reportType,omitempty"`
	DateRange  *DateRange  `json:"dateRange,omitempty"`
	IsArchived *bool       `json:"isArchived,omitempty"`
}

// JobStatus 描述异步任务所处阶段。
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobState 是可轮询的任务状态快照。
type JobState struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    JobStatus `json:"status"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
