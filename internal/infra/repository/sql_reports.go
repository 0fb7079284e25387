package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/database"
)

// ---- 报表仓储 ----

type reportRepository struct {
	db      *sql.DB
	dialect database.Dialect
}

const reportColumns = `id, workspace_id, user_id, report_type, configuration, data, generated_at_ms, valid_until_ms, is_archived, generated_by, version, archival_reason, archival_date_ms`

type reportRow struct {
	id             string
	workspaceID    string
	userID         string
	reportType     string
	configuration  string
	data           string
	generatedAtMs  int64
	validUntilMs   int64
	isArchived     bool
	generatedBy    string
	version        string
	archivalReason sql.NullString
	archivalDateMs sql.NullInt64
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(scanner rowScanner) (*domain.ReportDocument, error) {
	var row reportRow
	if err := scanner.Scan(&row.id, &row.workspaceID, &row.userID, &row.reportType, &row.configuration, &row.data,
		&row.generatedAtMs, &row.validUntilMs, &row.isArchived, &row.generatedBy, &row.version,
		&row.archivalReason, &row.archivalDateMs); err != nil {
		return nil, err
	}

	report := &domain.ReportDocument{
		ID:          row.id,
		WorkspaceID: row.workspaceID,
		UserID:      row.userID,
		ReportType:  domain.ReportType(row.reportType),
		GeneratedAt: fromMillis(row.generatedAtMs),
		ValidUntil:  fromMillis(row.validUntilMs),
		IsArchived:  row.isArchived,
		Metadata: domain.ReportMetadata{
			GeneratedBy: row.generatedBy,
			Version:     row.version,
		},
	}
	if err := json.Unmarshal([]byte(row.configuration), &report.Configuration); err != nil {
		return nil, fmt.Errorf("decode report configuration: %w", err)
	}
	if err := json.Unmarshal([]byte(row.data), &report.Data); err != nil {
		return nil, fmt.Errorf("decode report data: %w", err)
	}
	if row.archivalReason.Valid {
		reason := row.archivalReason.String
		report.Metadata.ArchivalReason = &reason
	}
	if row.archivalDateMs.Valid {
		at := fromMillis(row.archivalDateMs.Int64)
		report.Metadata.ArchivalDate = &at
	}
	return report, nil
}

func (r *reportRepository) Create(ctx context.Context, report *domain.ReportDocument) error {
	const op = "reports.create"

	configuration, err := json.Marshal(report.Configuration)
	if err != nil {
		return domain.NewTerminalError(op, fmt.Errorf("encode configuration: %w", err))
	}
	data, err := json.Marshal(report.Data)
	if err != nil {
		return domain.NewTerminalError(op, fmt.Errorf("encode data: %w", err))
	}

	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`INSERT INTO reports (%s)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`, reportColumns,
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(),
		ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next(), ph.Next())

	reason := sql.NullString{}
	if report.Metadata.ArchivalReason != nil {
		reason = sql.NullString{String: *report.Metadata.ArchivalReason, Valid: true}
	}
	archivedAt := sql.NullInt64{}
	if report.Metadata.ArchivalDate != nil {
		archivedAt = sql.NullInt64{Int64: toMillis(*report.Metadata.ArchivalDate), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		report.ID, report.WorkspaceID, report.UserID, string(report.ReportType), string(configuration), string(data),
		toMillis(report.GeneratedAt), toMillis(report.ValidUntil), report.IsArchived,
		report.Metadata.GeneratedBy, report.Metadata.Version, reason, archivedAt)
	return database.Classify(op, err)
}

func (r *reportRepository) GetByID(ctx context.Context, reportID string) (*domain.ReportDocument, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM reports WHERE id = %s`, reportColumns, ph.Next())

	report, err := scanReport(r.db.QueryRowContext(ctx, query, reportID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, database.Classify("reports.get_by_id", err)
	}
	return report, nil
}

// reportConditions 生成工作区报表过滤条件；DateRange 作用于生成时间。
func reportConditions(ph *database.PlaceholderBuilder, workspaceID string, filter domain.ReportFilter) ([]string, []interface{}) {
	conditions := []string{fmt.Sprintf("workspace_id = %s", ph.Next())}
	args := []interface{}{workspaceID}

	if filter.ReportType != nil {
		conditions = append(conditions, fmt.Sprintf("report_type = %s", ph.Next()))
		args = append(args, string(*filter.ReportType))
	}
	if filter.DateRange != nil {
		conditions = append(conditions, fmt.Sprintf("generated_at_ms >= %s AND generated_at_ms <= %s", ph.Next(), ph.Next()))
		args = append(args, toMillis(filter.DateRange.Start), toMillis(filter.DateRange.End))
	}
	if filter.IsArchived != nil {
		conditions = append(conditions, fmt.Sprintf("is_archived = %s", ph.Next()))
		args = append(args, *filter.IsArchived)
	}
	return conditions, args
}

func (r *reportRepository) FindByWorkspace(ctx context.Context, workspaceID string, filter domain.ReportFilter, page, limit int) ([]*domain.ReportDocument, error) {
	const op = "reports.find_by_workspace"
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	ph := database.NewPlaceholderBuilder(r.dialect)
	conditions, args := reportConditions(ph, workspaceID, filter)

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(reportColumns)
	builder.WriteString(" FROM reports WHERE ")
	builder.WriteString(strings.Join(conditions, " AND "))
	builder.WriteString(" ORDER BY generated_at_ms DESC, id DESC LIMIT ")
	builder.WriteString(ph.Next())
	builder.WriteString(" OFFSET ")
	builder.WriteString(ph.Next())
	args = append(args, limit, (page-1)*limit)

	rows, err := r.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, database.Classify(op, err)
	}
	defer rows.Close()

	var reports []*domain.ReportDocument
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, database.Classify(op, err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(op, err)
	}
	return reports, nil
}

func (r *reportRepository) CountDocuments(ctx context.Context, workspaceID string, filter domain.ReportFilter) (int64, error) {
	ph := database.NewPlaceholderBuilder(r.dialect)
	conditions, args := reportConditions(ph, workspaceID, filter)
	query := "SELECT COUNT(1) FROM reports WHERE " + strings.Join(conditions, " AND ")

	var total int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, database.Classify("reports.count", err)
	}
	return total, nil
}

func (r *reportRepository) Archive(ctx context.Context, reportID string, reason string, at time.Time) error {
	const op = "reports.archive"
	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`UPDATE reports SET is_archived = %s, archival_reason = %s, archival_date_ms = %s WHERE id = %s`,
		ph.Next(), ph.Next(), ph.Next(), ph.Next())

	reasonValue := sql.NullString{}
	if reason != "" {
		reasonValue = sql.NullString{String: reason, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query, true, reasonValue, toMillis(at), reportID)
	if err != nil {
		return database.Classify(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return database.Classify(op, err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *reportRepository) FindExpired(ctx context.Context, before time.Time, limit int) ([]*domain.ReportDocument, error) {
	const op = "reports.find_expired"
	if limit <= 0 {
		limit = 100
	}

	ph := database.NewPlaceholderBuilder(r.dialect)
	query := fmt.Sprintf(`SELECT %s FROM reports
WHERE is_archived = %s AND valid_until_ms < %s
ORDER BY valid_until_ms ASC LIMIT %s`, reportColumns, ph.Next(), ph.Next(), ph.Next())

	rows, err := r.db.QueryContext(ctx, query, false, toMillis(before), limit)
	if err != nil {
		return nil, database.Classify(op, err)
	}
	defer rows.Close()

	var reports []*domain.ReportDocument
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, database.Classify(op, err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(op, err)
	}
	return reports, nil
}
