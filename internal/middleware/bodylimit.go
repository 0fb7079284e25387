package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/prompt-analytics/pkg/httpx"
)

// LimitRequestBody 限制请求体大小：声明长度超限直接返回 413，其余在读取时截断。
func LimitRequestBody(maxBytes int64) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if maxBytes <= 0 {
			ctx.Next()
			return
		}
		if ctx.Request.ContentLength > maxBytes {
			httpx.RespondError(ctx, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "请求体过大", gin.H{"maxBytes": maxBytes})
			return
		}
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxBytes)
		ctx.Next()
	}
}
