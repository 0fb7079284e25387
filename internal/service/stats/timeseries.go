package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

// Interval 是时间分桶粒度。
type Interval string

const (
	IntervalHour  Interval = "hour"
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// ParseInterval 解析分桶粒度，空字符串回退到 day。
func ParseInterval(value string) (Interval, error) {
	switch Interval(value) {
	case "":
		return IntervalDay, nil
	case IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return Interval(value), nil
	default:
		return "", fmt.Errorf("unsupported interval %q", value)
	}
}

// Truncate 将时间截断到所在桶的起点（UTC）；周以周一为起点。
func (i Interval) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case IntervalHour:
		return t.Truncate(time.Hour)
	case IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Aggregation 是桶内聚合方式。
type Aggregation string

const (
	AggSum Aggregation = "sum"
	AggAvg Aggregation = "avg"
	AggMin Aggregation = "min"
	AggMax Aggregation = "max"
)

// ParseAggregation 解析聚合方式，空字符串回退到 avg。
func ParseAggregation(value string) (Aggregation, error) {
	switch Aggregation(value) {
	case "":
		return AggAvg, nil
	case AggSum, AggAvg, AggMin, AggMax:
		return Aggregation(value), nil
	default:
		return "", fmt.Errorf("unsupported aggregation %q", value)
	}
}

// Point 是时间序列中的一个桶。
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     int       `json:"count"`
}

type bucket struct {
	sum   float64
	min   float64
	max   float64
	count int
}

// BucketTimeSeries 将记录按时间桶聚合，结果按时间升序排列。
func BucketTimeSeries(records []*domain.MetricRecord, interval Interval, agg Aggregation) []Point {
	buckets := make(map[time.Time]*bucket)
	for _, r := range records {
		if r == nil {
			continue
		}
		key := interval.Truncate(r.Timestamp)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{min: math.Inf(1), max: math.Inf(-1)}
			buckets[key] = b
		}
		b.sum += r.Value
		b.count++
		b.min = math.Min(b.min, r.Value)
		b.max = math.Max(b.max, r.Value)
	}

	points := make([]Point, 0, len(buckets))
	for ts, b := range buckets {
		var value float64
		switch agg {
		case AggSum:
			value = b.sum
		case AggMin:
			value = b.min
		case AggMax:
			value = b.max
		default:
			value = b.sum / float64(b.count)
		}
		points = append(points, Point{Timestamp: ts, Value: value, Count: b.count})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points
}

// MovingAverage 使用最多 window 个历史桶（含当前）求均值，不向后看。
func MovingAverage(points []Point, window int) []Point {
	if window <= 1 {
		return points
	}
	out := make([]Point, len(points))
	for i := range points {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		var sum float64
		for j := start; j <= i; j++ {
			sum += points[j].Value
		}
		out[i] = Point{
			Timestamp: points[i].Timestamp,
			Value:     sum / float64(i-start+1),
			Count:     points[i].Count,
		}
	}
	return out
}

// 趋势判定阈值（百分比）。
const (
	TimeSeriesTrendThreshold = 1.0
	ROITrendThreshold        = 5.0
)

// Direction 是趋势方向。
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// Trend 描述首尾比较得到的变化。
type Trend struct {
	Direction     Direction `json:"direction"`
	ChangePercent float64   `json:"changePercent"`
}

// TrendOf 比较首尾两个值；少于两个点或首值为 0 时视为 stable。
func TrendOf(values []float64, threshold float64) Trend {
	if len(values) < 2 {
		return Trend{Direction: DirectionStable}
	}
	first, last := values[0], values[len(values)-1]
	if first == 0 {
		return Trend{Direction: DirectionStable}
	}

	change := (last - first) / math.Abs(first) * 100
	switch {
	case change > threshold:
		return Trend{Direction: DirectionUp, ChangePercent: change}
	case change < -threshold:
		return Trend{Direction: DirectionDown, ChangePercent: change}
	default:
		return Trend{Direction: DirectionStable, ChangePercent: change}
	}
}

// TrendOfRecords 先按时间排序再计算趋势。
func TrendOfRecords(records []*domain.MetricRecord, threshold float64) Trend {
	return TrendOf(values(SortByTime(records)), threshold)
}

// TrendOfPoints 对时间序列计算趋势。
func TrendOfPoints(points []Point, threshold float64) Trend {
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.Value
	}
	return TrendOf(vals, threshold)
}
