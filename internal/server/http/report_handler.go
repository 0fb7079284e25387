package http

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/middleware"
	reportsvc "github.com/zacharykka/prompt-analytics/internal/service/report"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
	"github.com/zacharykka/prompt-analytics/pkg/httpx"
)

// ReportHandler 处理报表生成、查询与归档请求。
type ReportHandler struct {
	service *reportsvc.Service
	now     func() time.Time
}

// NewReportHandler 创建 ReportHandler。
func NewReportHandler(service *reportsvc.Service) *ReportHandler {
	return &ReportHandler{service: service, now: time.Now}
}

// RegisterRoutes 注册报表相关路由。
func (h *ReportHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.GenerateReport)
	rg.GET("", h.ListReports)
	rg.GET("/jobs/:jobId", h.GetJobStatus)
	rg.GET("/:id", h.GetReport)
	rg.POST("/:id/archive", h.ArchiveReport)
}

type archiveReportRequest struct {
	Reason string `json:"reason"`
}

// GenerateReport 校验请求并入队生成任务，返回 202。
func (h *ReportHandler) GenerateReport(ctx *gin.Context) {
	var req domain.ReportConfig
	if err := ctx.ShouldBindJSON(&req); err != nil {
		httpx.RespondAppError(ctx, bindError(err))
		return
	}

	result, err := h.service.GenerateReport(ctx.Request.Context(), req, middleware.GetWorkspaceID(ctx), middleware.GetUserID(ctx))
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondAccepted(ctx, result)
}

// ListReports 分页列出当前工作区的报表。
func (h *ReportHandler) ListReports(ctx *gin.Context) {
	filter := domain.ReportFilter{}
	if raw := strings.TrimSpace(ctx.Query("reportType")); raw != "" {
		reportType := domain.ReportType(strings.ToUpper(raw))
		filter.ReportType = &reportType
	}
	if raw := strings.TrimSpace(ctx.Query("archived")); raw != "" {
		archived := parseBool(raw)
		filter.IsArchived = &archived
	}
	dateRange, err := parseOptionalDateRange(ctx, h.now())
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	filter.DateRange = dateRange

	page, err := h.service.GetWorkspaceReports(ctx.Request.Context(), middleware.GetWorkspaceID(ctx), filter, reportsvc.Pagination{
		Page:  parsePositiveInt(ctx.Query("page"), 1),
		Limit: parsePositiveInt(ctx.Query("limit"), 0),
	})
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, page)
}

// GetReport 读取单个报表；跨工作区访问按不存在处理。
func (h *ReportHandler) GetReport(ctx *gin.Context) {
	doc, err := h.service.GetReport(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	if workspaceID := middleware.GetWorkspaceID(ctx); workspaceID != "" && doc.WorkspaceID != workspaceID {
		httpx.RespondAppError(ctx, apperror.NotFound(reportsvc.ErrReportNotFound.Error(), nil))
		return
	}
	httpx.RespondOK(ctx, gin.H{"report": doc})
}

// ArchiveReport 归档当前工作区的报表。
func (h *ReportHandler) ArchiveReport(ctx *gin.Context) {
	var req archiveReportRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			httpx.RespondAppError(ctx, bindError(err))
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	if err := h.service.ArchiveReport(ctx.Request.Context(), middleware.GetWorkspaceID(ctx), ctx.Param("id"), reason); err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, gin.H{"archived": true, "reportId": ctx.Param("id")})
}

// GetJobStatus 查询报表生成任务状态。
func (h *ReportHandler) GetJobStatus(ctx *gin.Context) {
	state, err := h.service.JobStatus(ctx.Request.Context(), ctx.Param("jobId"))
	if err != nil {
		httpx.RespondAppError(ctx, err)
		return
	}
	httpx.RespondOK(ctx, gin.H{"job": state})
}
