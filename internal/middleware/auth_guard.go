package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	authutil "github.com/zacharykka/prompt-analytics/pkg/auth"
	"github.com/zacharykka/prompt-analytics/pkg/httpx"
)

const (
	// UserContextKey 在上下文中存储用户 ID。
	UserContextKey = "user_id"
	// UserRoleContextKey 在上下文中存储用户角色。
	UserRoleContextKey = "user_role"
	// ClaimsContextKey 在上下文中存储解析后的令牌。
	ClaimsContextKey = "auth_claims"

	userHeader = "X-User-ID"
)

// AuthGuard 校验 Bearer Token 并注入用户与工作区信息。
// accessSecret 为空时不做校验，仅信任 X-User-ID 请求头，适用于内网部署。
func AuthGuard(accessSecret string) gin.HandlerFunc {
	if strings.TrimSpace(accessSecret) == "" {
		return func(ctx *gin.Context) {
			if userID := strings.TrimSpace(ctx.GetHeader(userHeader)); userID != "" {
				ctx.Set(UserContextKey, userID)
			}
			ctx.Next()
		}
	}

	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if header == "" {
			httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "缺少认证信息", nil)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "认证信息格式错误", nil)
			return
		}

		claims, err := authutil.ParseAccessToken(parts[1], accessSecret)
		if err != nil {
			httpx.RespondError(ctx, http.StatusUnauthorized, "UNAUTHORIZED", "令牌无效", nil)
			return
		}

		ctx.Set(UserContextKey, claims.UserID)
		ctx.Set(UserRoleContextKey, claims.Role)
		if workspaceID := claims.WorkspaceID(); workspaceID != "" {
			ctx.Set(WorkspaceContextKey, workspaceID)
		}
		ctx.Set(ClaimsContextKey, claims)
		ctx.Next()
	}
}

// GetUserID 从上下文读取用户 ID。
func GetUserID(ctx *gin.Context) string {
	return ctx.GetString(UserContextKey)
}
