package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// WorkspaceContextKey 是在 Gin Context 中存储工作区标识的键名。
	WorkspaceContextKey = "workspace_id"
	workspaceHeader     = "X-Workspace-ID"
)

// WorkspaceInjector 注入工作区标识：优先使用令牌中的工作区，其次读取 X-Workspace-ID 请求头。
// 两者都缺失时不注入，由服务层返回校验错误。
func WorkspaceInjector() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		workspaceID := GetWorkspaceID(ctx)
		if workspaceID == "" {
			workspaceID = strings.TrimSpace(ctx.GetHeader(workspaceHeader))
		}
		if workspaceID != "" {
			ctx.Set(WorkspaceContextKey, workspaceID)
			ctx.Writer.Header().Set(workspaceHeader, workspaceID)
		}
		ctx.Next()
	}
}

// GetWorkspaceID 从上下文读取工作区标识。
func GetWorkspaceID(ctx *gin.Context) string {
	return ctx.GetString(WorkspaceContextKey)
}
