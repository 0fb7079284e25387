package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/database"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	migrationPath := filepath.Join("..", "..", "..", "db", "migrations", "000001_init.up.sql")
	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("exec migration: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
	}
	return db, cleanup
}

func newMetric(promptID string, metricType domain.MetricType, value float64, ts time.Time) *domain.MetricRecord {
	return &domain.MetricRecord{
		ID:          uuid.NewString(),
		PromptID:    promptID,
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		MetricType:  metricType,
		Value:       value,
		Timestamp:   ts,
		CreatedAt:   ts,
	}
}

func TestMetricRepository_CreateAndFind(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repos := NewSQLRepositories(db, database.NewDialect("sqlite"))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, value := range []float64{10, 20, 30} {
		record := newMetric("prompt-a", domain.MetricUsage, value, base.Add(time.Duration(i)*24*time.Hour))
		if i == 0 {
			record.Metadata = map[string]interface{}{"model": "gpt"}
		}
		if err := repos.Metrics.Create(ctx, record); err != nil {
			t.Fatalf("create metric: %v", err)
		}
	}
	if err := repos.Metrics.Create(ctx, newMetric("prompt-b", domain.MetricUsage, 99, base)); err != nil {
		t.Fatalf("create metric: %v", err)
	}

	records, err := repos.Metrics.FindByPrompt(ctx, "prompt-a", nil)
	if err != nil {
		t.Fatalf("find by prompt: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records got %d", len(records))
	}
	if records[0].Value != 30 || records[2].Value != 10 {
		t.Fatalf("expected timestamp desc order, got %v,%v,%v", records[0].Value, records[1].Value, records[2].Value)
	}
	if records[2].Metadata["model"] != "gpt" {
		t.Fatalf("expected metadata round trip, got %v", records[2].Metadata)
	}
	if !records[2].Timestamp.Equal(base) {
		t.Fatalf("expected timestamp %v got %v", base, records[2].Timestamp)
	}

	window := domain.DateRange{Start: base.Add(12 * time.Hour), End: base.Add(72 * time.Hour)}
	ranged, err := repos.Metrics.FindByPrompt(ctx, "prompt-a", &window)
	if err != nil {
		t.Fatalf("find by prompt with range: %v", err)
	}
	if len(ranged) != 2 {
		t.Fatalf("expected 2 records in range got %d", len(ranged))
	}

	byRange, err := repos.Metrics.FindByDateRange(ctx, domain.DateRange{Start: base, End: base.Add(time.Hour)},
		domain.MetricFilter{WorkspaceID: "ws-1", MetricTypes: []domain.MetricType{domain.MetricUsage}})
	if err != nil {
		t.Fatalf("find by date range: %v", err)
	}
	if len(byRange) != 2 {
		t.Fatalf("expected 2 records at base time got %d", len(byRange))
	}
}

func TestMetricRepository_DuplicateIDIsTerminal(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repos := NewSQLRepositories(db, database.NewDialect("sqlite"))
	ctx := context.Background()

	record := newMetric("prompt-a", domain.MetricUsage, 1, time.Now())
	if err := repos.Metrics.Create(ctx, record); err != nil {
		t.Fatalf("create metric: %v", err)
	}
	err := repos.Metrics.Create(ctx, record)
	if !errors.Is(err, domain.ErrStoreTerminal) {
		t.Fatalf("expected terminal error for duplicate id, got %v", err)
	}
}

func TestMetricRepository_AggregateByWorkspace(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repos := NewSQLRepositories(db, database.NewDialect("sqlite"))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	fixtures := []*domain.MetricRecord{
		newMetric("prompt-a", domain.MetricUsage, 10, base),
		newMetric("prompt-a", domain.MetricUsage, 20, base.Add(24*time.Hour)),
		newMetric("prompt-a", domain.MetricUsage, 30, base.Add(48*time.Hour)),
		newMetric("prompt-b", domain.MetricResponseTime, 200, base),
	}
	for _, record := range fixtures {
		if err := repos.Metrics.Create(ctx, record); err != nil {
			t.Fatalf("create metric: %v", err)
		}
	}

	rows, err := repos.Metrics.AggregateByWorkspace(ctx, "ws-1", domain.AggregateOptions{})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups got %d", len(rows))
	}
	var usage *domain.AggregateRow
	for _, row := range rows {
		if row.ID == string(domain.MetricUsage) {
			usage = row
		}
	}
	if usage == nil {
		t.Fatalf("expected USAGE group in %+v", rows)
	}
	if usage.Average != 20 || usage.Sum != 60 || usage.Min != 10 || usage.Max != 30 || usage.Count != 3 {
		t.Fatalf("unexpected usage aggregate %+v", usage)
	}

	days, err := repos.Metrics.AggregateByWorkspace(ctx, "ws-1", domain.AggregateOptions{
		GroupBy:     domain.GroupByDay,
		MetricTypes: []domain.MetricType{domain.MetricUsage},
	})
	if err != nil {
		t.Fatalf("aggregate by day: %v", err)
	}
	if len(days) != 3 || days[0].ID != "2026-03-01" {
		t.Fatalf("unexpected day groups %+v", days)
	}
}

func TestMetricRepository_DeleteByFilter(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repos := NewSQLRepositories(db, database.NewDialect("sqlite"))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := repos.Metrics.Create(ctx, newMetric("prompt-a", domain.MetricUsage, 1, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("create metric: %v", err)
		}
	}

	if _, err := repos.Metrics.DeleteByFilter(ctx, domain.MetricFilter{}); !errors.Is(err, domain.ErrEmptyFilter) {
		t.Fatalf("expected empty filter rejection, got %v", err)
	}

	cutoff := base.Add(90 * time.Minute)
	deleted, err := repos.Metrics.DeleteByFilter(ctx, domain.MetricFilter{Before: &cutoff})
	if err != nil {
		t.Fatalf("delete by filter: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted got %d", deleted)
	}
}

func newReport(workspaceID string, generatedAt time.Time) *domain.ReportDocument {
	dr := domain.DateRange{Start: generatedAt.Add(-24 * time.Hour), End: generatedAt}
	return &domain.ReportDocument{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UserID:      "user-1",
		ReportType:  domain.ReportUsageSummary,
		Configuration: domain.ReportConfig{
			Title:       "Weekly",
			Description: "usage",
			ReportType:  domain.ReportUsageSummary,
			DateRange:   &dr,
			Metrics:     []domain.MetricType{domain.MetricUsage},
		},
		Data: domain.ReportData{
			Summary:  domain.ReportSummary{TotalRecords: 3, MetricTypes: 1},
			Metrics:  map[string]domain.MetricSummary{"USAGE": {Mean: 20, Count: 3}},
			Insights: []string{"Average USAGE: 20.00"},
		},
		GeneratedAt: generatedAt,
		ValidUntil:  generatedAt.Add(30 * 24 * time.Hour),
		Metadata:    domain.ReportMetadata{GeneratedBy: "user-1", Version: "1.0"},
	}
}

func TestReportRepository_Workflow(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repos := NewSQLRepositories(db, database.NewDialect("sqlite"))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		report := newReport("ws-1", base.Add(time.Duration(i)*time.Hour))
		ids = append(ids, report.ID)
		if err := repos.Reports.Create(ctx, report); err != nil {
			t.Fatalf("create report: %v", err)
		}
	}
	if err := repos.Reports.Create(ctx, newReport("ws-2", base)); err != nil {
		t.Fatalf("create report: %v", err)
	}

	stored, err := repos.Reports.GetByID(ctx, ids[0])
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if stored.Data.Metrics["USAGE"].Mean != 20 || len(stored.Data.Insights) != 1 {
		t.Fatalf("unexpected report data %+v", stored.Data)
	}
	if stored.Configuration.DateRange == nil || !stored.Configuration.DateRange.End.Equal(base) {
		t.Fatalf("unexpected configuration %+v", stored.Configuration)
	}

	page, err := repos.Reports.FindByWorkspace(ctx, "ws-1", domain.ReportFilter{}, 1, 2)
	if err != nil {
		t.Fatalf("find by workspace: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] {
		t.Fatalf("expected newest first, got %d reports", len(page))
	}
	second, err := repos.Reports.FindByWorkspace(ctx, "ws-1", domain.ReportFilter{}, 2, 2)
	if err != nil {
		t.Fatalf("find second page: %v", err)
	}
	if len(second) != 1 || second[0].ID != ids[0] {
		t.Fatalf("unexpected second page")
	}

	total, err := repos.Reports.CountDocuments(ctx, "ws-1", domain.ReportFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 got %d", total)
	}

	archivedAt := base.Add(48 * time.Hour)
	if err := repos.Reports.Archive(ctx, ids[1], "obsolete", archivedAt); err != nil {
		t.Fatalf("archive: %v", err)
	}
	archived, err := repos.Reports.GetByID(ctx, ids[1])
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if !archived.IsArchived || archived.Metadata.ArchivalReason == nil || *archived.Metadata.ArchivalReason != "obsolete" {
		t.Fatalf("expected archival metadata, got %+v", archived.Metadata)
	}
	if archived.Metadata.ArchivalDate == nil || !archived.Metadata.ArchivalDate.Equal(archivedAt) {
		t.Fatalf("expected archival date %v", archivedAt)
	}

	active := false
	count, err := repos.Reports.CountDocuments(ctx, "ws-1", domain.ReportFilter{IsArchived: &active})
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 active reports got %d", count)
	}
}

func TestReportRepository_ArchiveMissing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repos := NewSQLRepositories(db, database.NewDialect("sqlite"))
	err := repos.Reports.Archive(context.Background(), "missing", "obsolete", time.Now())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := repos.Reports.GetByID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReportRepository_FindExpired(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repos := NewSQLRepositories(db, database.NewDialect("sqlite"))
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	expired := newReport("ws-1", now.Add(-40*24*time.Hour))
	fresh := newReport("ws-1", now.Add(-time.Hour))
	for _, report := range []*domain.ReportDocument{expired, fresh} {
		if err := repos.Reports.Create(ctx, report); err != nil {
			t.Fatalf("create report: %v", err)
		}
	}

	reports, err := repos.Reports.FindExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(reports) != 1 || reports[0].ID != expired.ID {
		t.Fatalf("expected only the expired report, got %d", len(reports))
	}
}

func TestClassify_TransientDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repos := NewSQLRepositories(db, database.NewDialect("postgres"))

	mock.ExpectExec("INSERT INTO metrics").WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	err = repos.Metrics.Create(context.Background(), newMetric("prompt-a", domain.MetricUsage, 1, time.Now()))
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM metrics").WillReturnError(errors.New("database is locked"))
	if _, err := repos.Metrics.FindByPrompt(context.Background(), "prompt-a", nil); !domain.IsTransient(err) {
		t.Fatalf("expected transient error for locked database, got %v", err)
	}

	mock.ExpectExec("UPDATE reports").WillReturnError(errors.New("syntax error"))
	err = repos.Reports.Archive(context.Background(), "r1", "x", time.Now())
	if domain.IsTransient(err) || !errors.Is(err, domain.ErrStoreTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClassify_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repos := NewSQLRepositories(db, database.NewDialect("postgres"))
	mock.ExpectQuery("SELECT COUNT(1) FROM reports WHERE workspace_id = $1").
		WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	total, err := repos.Reports.CountDocuments(context.Background(), "ws-1", domain.ReportFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 7 {
		t.Fatalf("expected 7 got %d", total)
	}
}
