// Package stats 提供无状态的指标统计函数：描述性统计、时间分桶、趋势、置信度与 ROI。
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

// Summary 是一组数值的描述性统计。
type Summary = domain.MetricSummary

// Summarize 计算均值、中位数、总体标准差（除以 N）、最值与数量；空输入返回零值。
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := float64(len(sorted))
	mean := sum / n

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}

	return Summary{
		Mean:   mean,
		Median: median(sorted),
		StdDev: math.Sqrt(sq / n),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Count:  len(sorted),
	}
}

// median 要求输入已排序。
func median(sorted []float64) float64 {
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Aggregate 按分组维度计算描述性统计，默认按指标类型分组。
func Aggregate(records []*domain.MetricRecord, groupBy domain.GroupBy) map[string]Summary {
	if groupBy == "" {
		groupBy = domain.GroupByMetricType
	}

	groups := make(map[string][]float64)
	for _, r := range records {
		if r == nil {
			continue
		}
		key := groupKey(r, groupBy)
		groups[key] = append(groups[key], r.Value)
	}

	out := make(map[string]Summary, len(groups))
	for key, values := range groups {
		out[key] = Summarize(values)
	}
	return out
}

// Overall 计算全部记录的描述性统计。
func Overall(records []*domain.MetricRecord) Summary {
	return Summarize(values(records))
}

func groupKey(r *domain.MetricRecord, groupBy domain.GroupBy) string {
	switch groupBy {
	case domain.GroupByPrompt:
		return r.PromptID
	case domain.GroupByUser:
		return r.UserID
	case domain.GroupByDay:
		return r.Timestamp.UTC().Format("2006-01-02")
	default:
		return string(r.MetricType)
	}
}

func values(records []*domain.MetricRecord) []float64 {
	out := make([]float64, 0, len(records))
	for _, r := range records {
		if r != nil {
			out = append(out, r.Value)
		}
	}
	return out
}

// SortByTime 返回按时间升序排列的副本。
func SortByTime(records []*domain.MetricRecord) []*domain.MetricRecord {
	sorted := make([]*domain.MetricRecord, 0, len(records))
	for _, r := range records {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}

// ConfidenceScore 综合样本量、离散程度与时间跨度给出 0-100 的置信度。
func ConfidenceScore(records []*domain.MetricRecord) float64 {
	sorted := SortByTime(records)
	if len(sorted) == 0 {
		return 0
	}

	sampleScore := math.Min(math.Log10(float64(len(sorted)))*20, 40)

	summary := Summarize(values(sorted))
	spreadScore := math.Max(0, (100-summary.StdDev)*0.4)

	span := sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
	days := span.Hours() / 24
	spanScore := math.Min(days, 30) / 30 * 40

	return math.Min(sampleScore+spreadScore+spanScore, 100)
}

// Span 返回记录覆盖的时间跨度。
func Span(records []*domain.MetricRecord) time.Duration {
	sorted := SortByTime(records)
	if len(sorted) < 2 {
		return 0
	}
	return sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
}
