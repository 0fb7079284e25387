package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

const (
	defaultLookback = 30 * 24 * time.Hour
	// defaultEndPrecision 让缺省区间在一分钟内生成相同的缓存键。
	defaultEndPrecision = time.Minute
)

// parseDateRange 读取 start/end 查询参数（RFC3339 或 YYYY-MM-DD），缺省为最近 30 天。
// 仅含日期的 end 包含当天全部时间。
func parseDateRange(ctx *gin.Context, now time.Time) (domain.DateRange, error) {
	end := now.UTC().Truncate(defaultEndPrecision)
	if raw := strings.TrimSpace(ctx.Query("end")); raw != "" {
		parsed, err := parseTime(raw, true)
		if err != nil {
			return domain.DateRange{}, apperror.Validation("invalid end", gin.H{"end": raw})
		}
		end = parsed
	}
	start := end.Add(-defaultLookback)
	if raw := strings.TrimSpace(ctx.Query("start")); raw != "" {
		parsed, err := parseTime(raw, false)
		if err != nil {
			return domain.DateRange{}, apperror.Validation("invalid start", gin.H{"start": raw})
		}
		start = parsed
	}
	return domain.DateRange{Start: start, End: end}, nil
}

// parseOptionalDateRange 仅在提供了 start 或 end 时返回范围。
func parseOptionalDateRange(ctx *gin.Context, now time.Time) (*domain.DateRange, error) {
	if ctx.Query("start") == "" && ctx.Query("end") == "" {
		return nil, nil
	}
	dateRange, err := parseDateRange(ctx, now)
	if err != nil {
		return nil, err
	}
	return &dateRange, nil
}

func parseTime(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t.UTC(), nil
}

// bindError 把请求体解析失败统一映射为 VALIDATION_ERROR，并尽量指出出错字段。
func bindError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return apperror.Validation("invalid field type", gin.H{field: "expected " + typeErr.Type.String()})
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apperror.Validation("malformed json", gin.H{"offset": syntaxErr.Offset})
	}
	var timeErr *time.ParseError
	if errors.As(err, &timeErr) {
		return apperror.Validation("invalid timestamp", gin.H{"value": timeErr.Value})
	}
	return apperror.Validation("invalid payload", gin.H{"error": err.Error()})
}

// parseMetricTypes 解析逗号分隔的指标类型，合法性由服务层校验。
func parseMetricTypes(raw string) []domain.MetricType {
	var types []domain.MetricType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			types = append(types, domain.MetricType(strings.ToUpper(part)))
		}
	}
	return types
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseBool(raw string) bool {
	value, err := strconv.ParseBool(raw)
	return err == nil && value
}
