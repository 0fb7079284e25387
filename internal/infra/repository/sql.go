package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/database"
)

// NewSQLRepositories 构建基于 *sql.DB 的仓储集合。
func NewSQLRepositories(db *sql.DB, dialect database.Dialect) *domain.Repositories {
	return &domain.Repositories{
		Metrics: &metricRepository{db: db, dialect: dialect},
		Reports: &reportRepository{db: db, dialect: dialect},
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ---- 指标仓储 ----

type metricRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const metricColumns = `id, prompt_id, workspace_id, user_id, metric_type, value, ts_ms, metadata, created_at_ms`

type metricRow struct {
	id          string
	promptID    string
	workspaceID string
	userID      string
	metricType  string
	value       float64
	tsMs        int64
	metadata    sql.NullString
	createdAtMs int64
}

func (row metricRow) toDomain() (*domain.MetricRecord, error) {
	record := &domain.MetricRecord{
		ID:          row.id,
		PromptID:    row.promptID,
		WorkspaceID: row.workspaceID,
		UserID:      row.userID,
		MetricType:  domain.MetricType(row.metricType),
		Value:       row.value,
		Timestamp:   fromMillis(row.tsMs),
		CreatedAt:   fromMillis(row.createdAtMs),
	}
	if row.metadata.Valid && row.metadata.String != "" {
		if err := json.Unmarshal([]byte(row.metadata.String), &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode metric metadata: %w", err)
		}
	}
	return record, nil
}

func (r *metricRepository) Create(ctx context.Context, record *domain.MetricRecord) error {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO metrics (%s)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`, metricColumns,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	metadata := sql.NullString{}
	if len(record.Metadata) > 0 {
		raw, err := json.Marshal(record.Metadata)
		if err != nil {
			return domain.NewTerminalError("metrics.create", fmt.Errorf("encode metadata: %w", err))
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.PromptID, record.WorkspaceID, record.UserID, string(record.MetricType),
		record.Value, toMillis(record.Timestamp), metadata, toMillis(record.CreatedAt))
	return database.Classify("metrics.create", err)
}

func (r *metricRepository) FindByPrompt(ctx context.Context, promptID string, dateRange *domain.DateRange) ([]*domain.MetricRecord, error) {
	return r.find(ctx, "metrics.find_by_prompt", domain.MetricFilter{PromptID: promptID, DateRange: dateRange})
}

func (r *metricRepository) FindByDateRange(ctx context.Context, dateRange domain.DateRange, filter domain.MetricFilter) ([]*domain.MetricRecord, error) {
	filter.DateRange = &dateRange
	return r.find(ctx, "metrics.find_by_date_range", filter)
}

func (r *metricRepository) find(ctx context.Context, op string, filter domain.MetricFilter) ([]*domain.MetricRecord, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	conditions, args := metricConditions(ph, filter)

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(metricColumns)
	builder.WriteString(" FROM metrics")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY ts_ms DESC")

	rows, err := r.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, database.Classify(op, err)
	}
	defer rows.Close()

	var records []*domain.MetricRecord
	for rows.Next() {
		var row metricRow
		if err := rows.Scan(&row.id, &row.promptID, &row.workspaceID, &row.userID, &row.metricType, &row.value, &row.tsMs, &row.metadata, &row.createdAtMs); err != nil {
			return nil, database.Classify(op, err)
		}
		record, err := row.toDomain()
		if err != nil {
			return nil, domain.NewTerminalError(op, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(op, err)
	}
	return records, nil
}

// metricConditions 将过滤条件翻译为 WHERE 子句片段与参数。
func metricConditions(ph *database.PlaceholderBuilder, filter domain.MetricFilter) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.WorkspaceID != "" {
		conditions = append(conditions, fmt.Sprintf("workspace_id = %s", ph.Next()))
		args = append(args, filter.WorkspaceID)
	}
	if filter.PromptID != "" {
		conditions = append(conditions, fmt.Sprintf("prompt_id = %s", ph.Next()))
		args = append(args, filter.PromptID)
	}
	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = %s", ph.Next()))
		args = append(args, filter.UserID)
	}
	if len(filter.MetricTypes) > 0 {
		placeholders := make([]string, len(filter.MetricTypes))
		for i, metricType := range filter.MetricTypes {
			placeholders[i] = ph.Next()
			args = append(args, string(metricType))
		}
		conditions = append(conditions, fmt.Sprintf("metric_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.DateRange != nil {
		conditions = append(conditions, fmt.Sprintf("ts_ms >= %s AND ts_ms <= %s", ph.Next(), ph.Next()))
		args = append(args, toMillis(filter.DateRange.Start), toMillis(filter.DateRange.End))
	}
	if filter.Before != nil {
		conditions = append(conditions, fmt.Sprintf("ts_ms < %s", ph.Next()))
		args = append(args, toMillis(*filter.Before))
	}
	return conditions, args
}

func groupExpression(dialect database.Dialect, groupBy domain.GroupBy) string {
	switch groupBy {
	case domain.GroupByPrompt:
		return "prompt_id"
	case domain.GroupByUser:
		return "user_id"
	case domain.GroupByDay:
		return dialect.DayBucket("ts_ms")
	default:
		return "metric_type"
	}
}

func (r *metricRepository) AggregateByWorkspace(ctx context.Context, workspaceID string, opts domain.AggregateOptions) ([]*domain.AggregateRow, error) {
	const op = "metrics.aggregate_by_workspace"

	ph := database.NewPlaceholderBuilder(r.dialect)
	conditions, args := metricConditions(ph, domain.MetricFilter{
		WorkspaceID: workspaceID,
		MetricTypes: opts.MetricTypes,
		DateRange:   opts.DateRange,
	})

	query := fmt.Sprintf(`SELECT %s AS group_key, AVG(value), SUM(value), MIN(value), MAX(value), COUNT(*)
FROM metrics WHERE %s
GROUP BY 1 ORDER BY 1`, groupExpression(r.dialect, opts.GroupBy), strings.Join(conditions, " AND "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify(op, err)
	}
	defer rows.Close()

	var result []*domain.AggregateRow
	for rows.Next() {
		row := &domain.AggregateRow{}
		if err := rows.Scan(&row.ID, &row.Average, &row.Sum, &row.Min, &row.Max, &row.Count); err != nil {
			return nil, database.Classify(op, err)
		}
		if opts.GroupBy == domain.GroupByDay {
			if ms, err := strconv.ParseInt(row.ID, 10, 64); err == nil {
				row.ID = fromMillis(ms).Format("2006-01-02")
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(op, err)
	}
	return result, nil
}

func (r *metricRepository) DeleteByFilter(ctx context.Context, filter domain.MetricFilter) (int64, error) {
	const op = "metrics.delete_by_filter"
	if filter.Empty() {
		return 0, domain.NewTerminalError(op, domain.ErrEmptyFilter)
	}

	ph := database.NewPlaceholderBuilder(r.dialect)
	conditions, args := metricConditions(ph, filter)
	query := "DELETE FROM metrics WHERE " + strings.Join(conditions, " AND ")

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, database.Classify(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, database.Classify(op, err)
	}
	return affected, nil
}
