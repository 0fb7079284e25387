package http

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/middleware"
	metricsvc "github.com/zacharykka/prompt-analytics/internal/service/metrics"
	"github.com/zacharykka/prompt-analytics/internal/service/stats"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
	"github.com/zacharykka/prompt-analytics/pkg/httpx"
)

// AnalyticsHandler 处理指标写入与查询请求。
type AnalyticsHandler struct {
	service *metricsvc.Service
	now     func() time.Time
}

// NewAnalyticsHandler 创建 AnalyticsHandler。
func NewAnalyticsHandler(service *metricsvc.Service) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, now: time.Now}
}

// RegisterRoutes 注册指标相关路由。
func (h *AnalyticsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/metrics", h.RecordMetric)
	rg.GET("/prompts/:id/metrics", h.GetPromptMetrics)
	rg.GET("/workspace", h.GetWorkspaceAnalytics)
	rg.GET("/roi", h.CalculateROI)
}

// RecordMetric 记录一条指标；调用方工作区优先于请求体，二者不一致时拒绝写入。
func (h *AnalyticsHandler) RecordMetric(ctx *gin.Context) {
	var req metricsvc.RecordMetricInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		httpx.RespondAppError(ctx, bindError(err))
		return
	}
	if workspaceID := middleware.GetWorkspaceID(ctx); workspaceID != "" {
		if req.WorkspaceID != "" && req.WorkspaceID != workspaceID {
			httpx.RespondAppError(ctx, apperror.Validation("workspaceId does not match caller workspace", gin.H{"workspaceId": req.WorkspaceID}))
			return
		}
		req.WorkspaceID = workspaceID
	}
	if req.UserID == "" {
		req.UserID = middleware.GetUserID(ctx)
	}

	record, err := h.service.RecordMetric(ctx.Request.Context(), req)
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondCreated(ctx, gin.H{"metric": record})
}

// GetPromptMetrics 查询单个 Prompt 的指标。
func (h *AnalyticsHandler) GetPromptMetrics(ctx *gin.Context) {
	dateRange, err := parseDateRange(ctx, h.now())
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}

	records, err := h.service.GetPromptMetrics(ctx.Request.Context(), ctx.Param("id"), dateRange, metricsvc.PromptQueryOptions{
		MetricTypes: parseMetricTypes(ctx.Query("metricTypes")),
		Limit:       parsePositiveInt(ctx.Query("limit"), 0),
	})
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, gin.H{"metrics": records, "dateRange": dateRange})
}

// GetWorkspaceAnalytics 返回工作区聚合、统计、时间序列与趋势。
func (h *AnalyticsHandler) GetWorkspaceAnalytics(ctx *gin.Context) {
	dateRange, err := parseDateRange(ctx, h.now())
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}

	analytics, err := h.service.GetWorkspaceAnalytics(ctx.Request.Context(), middleware.GetWorkspaceID(ctx), dateRange, metricsvc.AnalyticsOptions{
		MetricTypes: parseMetricTypes(ctx.Query("metricTypes")),
		GroupBy:     domain.GroupBy(strings.TrimSpace(ctx.Query("groupBy"))),
		Interval:    stats.Interval(strings.ToLower(ctx.Query("interval"))),
		Aggregation: stats.Aggregation(strings.ToLower(ctx.Query("aggregation"))),
		Smooth:      parseBool(ctx.Query("smooth")),
	})
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, gin.H{"analytics": analytics})
}

// CalculateROI 计算工作区 ROI。
func (h *AnalyticsHandler) CalculateROI(ctx *gin.Context) {
	dateRange, err := parseDateRange(ctx, h.now())
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}

	roi, err := h.service.CalculateROI(ctx.Request.Context(), middleware.GetWorkspaceID(ctx), dateRange)
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, gin.H{"roi": roi})
}
