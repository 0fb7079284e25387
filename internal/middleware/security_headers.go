package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/prompt-analytics/internal/config"
)

// SecurityHeaders 设置通用 Web 安全响应头；HSTS 仅在显式配置且请求经由 TLS 时下发。
func SecurityHeaders(cfg config.SecurityHeadersConfig) gin.HandlerFunc {
	contentSecurityPolicy := strings.TrimSpace(cfg.ContentSecurityPolicy)
	frameOptions := strings.TrimSpace(cfg.FrameOptions)
	referrerPolicy := strings.TrimSpace(cfg.ReferrerPolicy)
	xssProtection := strings.TrimSpace(cfg.XSSProtection)
	crossOriginOpenerPolicy := strings.TrimSpace(cfg.CrossOriginOpenerPolicy)
	crossOriginEmbedderPolicy := strings.TrimSpace(cfg.CrossOriginEmbedderPolicy)
	crossOriginResourcePolicy := strings.TrimSpace(cfg.CrossOriginResourcePolicy)
	strictTransportSecurity := strings.TrimSpace(cfg.StrictTransportSecurity)

	return func(ctx *gin.Context) {
		headers := ctx.Writer.Header()

		if cfg.ContentTypeNosniff {
			headers.Set("X-Content-Type-Options", "nosniff")
		}
		if frameOptions != "" {
			headers.Set("X-Frame-Options", frameOptions)
		}
		if referrerPolicy != "" {
			headers.Set("Referrer-Policy", referrerPolicy)
		}
		if contentSecurityPolicy != "" {
			headers.Set("Content-Security-Policy", contentSecurityPolicy)
		}
		if xssProtection != "" {
			headers.Set("X-XSS-Protection", xssProtection)
		}
		if crossOriginOpenerPolicy != "" {
			headers.Set("Cross-Origin-Opener-Policy", crossOriginOpenerPolicy)
		}
		if crossOriginEmbedderPolicy != "" {
			headers.Set("Cross-Origin-Embedder-Policy", crossOriginEmbedderPolicy)
		}
		if crossOriginResourcePolicy != "" {
			headers.Set("Cross-Origin-Resource-Policy", crossOriginResourcePolicy)
		}
		if strictTransportSecurity != "" && (ctx.Request.TLS != nil || strings.EqualFold(ctx.GetHeader("X-Forwarded-Proto"), "https")) {
			headers.Set("Strict-Transport-Security", strictTransportSecurity)
		}

		ctx.Next()
	}
}
