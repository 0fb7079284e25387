package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

// SuccessResponse 标准成功响应结构。
type SuccessResponse struct {
	Data interface{} `json:"data,omitempty"`
}

// ErrorResponse 标准错误响应结构。
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// RespondOK 输出成功响应。
func RespondOK(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, SuccessResponse{Data: data})
}

// RespondCreated 输出 201 响应。
func RespondCreated(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusCreated, SuccessResponse{Data: data})
}

// RespondAccepted 输出 202 响应，用于异步任务入队。
func RespondAccepted(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusAccepted, SuccessResponse{Data: data})
}

// RespondError 输出错误响应并终止处理流程。
func RespondError(ctx *gin.Context, status int, code string, message string, details interface{}) {
	ctx.AbortWithStatusJSON(status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// RespondAppError 将服务层错误渲染为统一错误响应；内部错误只暴露通用信息。
func RespondAppError(ctx *gin.Context, err error) {
	if err == nil {
		err = apperror.Internal(nil)
	}
	appErr := apperror.As(err)
	_ = ctx.Error(err)
	RespondError(ctx, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
}
