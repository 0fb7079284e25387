package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zacharykka/prompt-analytics/internal/domain"
	"github.com/zacharykka/prompt-analytics/internal/infra/cache"
	"github.com/zacharykka/prompt-analytics/internal/infra/database"
	"github.com/zacharykka/prompt-analytics/internal/infra/queue"
	"github.com/zacharykka/prompt-analytics/internal/infra/repository"
	"github.com/zacharykka/prompt-analytics/internal/service/metrics"
	"github.com/zacharykka/prompt-analytics/internal/service/stats"
	"github.com/zacharykka/prompt-analytics/pkg/apperror"
)

var fixedNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

var march = domain.DateRange{
	Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
}

func setupRepos(t *testing.T) *domain.Repositories {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:reports_%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := database.Migrate(context.Background(), db, filepath.Join("..", "..", "..", "db", "migrations")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repository.NewSQLRepositories(db, database.NewDialect("sqlite"))
}

// flakyAnalytics 在前 failures 次调用时返回内部错误，之后委托给真实服务。
type flakyAnalytics struct {
	Analytics
	failures int32
	calls    int32
}

func (f *flakyAnalytics) GetWorkspaceAnalytics(ctx context.Context, workspaceID string, dateRange domain.DateRange, opts metrics.AnalyticsOptions) (*metrics.WorkspaceAnalytics, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		return nil, apperror.Internal(errors.New("store timeout"))
	}
	return f.Analytics.GetWorkspaceAnalytics(ctx, workspaceID, dateRange, opts)
}

// recordingQueue 只记录入队请求，不执行任务。
type recordingQueue struct {
	queue.Queue
	mu       sync.Mutex
	enqueued []queue.Options
}

func (q *recordingQueue) Enqueue(_ context.Context, _ string, _ interface{}, opts queue.Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, opts)
	return fmt.Sprintf("job-%d", len(q.enqueued)), nil
}

func (q *recordingQueue) OnJob(string, queue.Handler) {}

func (q *recordingQueue) Status(context.Context, string) (*domain.JobState, error) {
	return nil, queue.ErrJobNotFound
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) after(d time.Duration, fn func()) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	go fn()
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func seedMetrics(t *testing.T, svc *metrics.Service) {
	t.Helper()
	ctx := context.Background()
	for i, v := range []float64{10, 20, 30} {
		value := v
		ts := time.Date(2026, 3, i+1, 12, 0, 0, 0, time.UTC)
		if _, err := svc.RecordMetric(ctx, metrics.RecordMetricInput{
			PromptID: "prompt-a", WorkspaceID: "ws-1", UserID: "user-1",
			MetricType: domain.MetricUsage, Value: &value, Timestamp: &ts,
		}); err != nil {
			t.Fatalf("seed metric: %v", err)
		}
	}
}

func validConfig() domain.ReportConfig {
	dr := march
	return domain.ReportConfig{
		Title:       "March usage",
		Description: "Monthly usage summary",
		ReportType:  domain.ReportUsageSummary,
		DateRange:   &dr,
		Metrics:     []domain.MetricType{domain.MetricUsage},
	}
}

func newService(repos *domain.Repositories, q queue.Queue, analytics Analytics, store cache.Store, cfg Config) *Service {
	return NewService(repos.Reports, q, analytics, store, cfg, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
}

func TestGenerateReportEnqueues(t *testing.T) {
	repos := setupRepos(t)
	q := &recordingQueue{}
	svc := newService(repos, q, nil, nil, Config{})

	result, err := svc.GenerateReport(context.Background(), validConfig(), "ws-1", "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.JobID != "job-1" || result.Status != domain.JobQueued {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.EstimatedCompletion.Equal(fixedNow.Add(5 * time.Minute)) {
		t.Fatalf("unexpected estimate %v", result.EstimatedCompletion)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(q.enqueued))
	}
	opts := q.enqueued[0]
	if opts.Attempts != 3 || opts.Backoff.Delay != time.Second || opts.Backoff.Factor != 2 {
		t.Fatalf("unexpected job options %+v", opts)
	}
}

func TestGenerateReportValidation(t *testing.T) {
	repos := setupRepos(t)
	q := &recordingQueue{}
	svc := newService(repos, q, nil, nil, Config{})
	ctx := context.Background()

	inverted := validConfig()
	inverted.DateRange = &domain.DateRange{Start: march.End, End: march.Start}

	noMetrics := validConfig()
	noMetrics.Metrics = nil

	badType := validConfig()
	badType.ReportType = "WEEKLY"

	noTitle := validConfig()
	noTitle.Title = ""

	noRange := validConfig()
	noRange.DateRange = nil

	for name, cfg := range map[string]domain.ReportConfig{
		"inverted range": inverted,
		"no metrics":     noMetrics,
		"bad type":       badType,
		"no title":       noTitle,
		"no range":       noRange,
	} {
		if _, err := svc.GenerateReport(ctx, cfg, "ws-1", "user-1"); !apperror.Is(err, apperror.CodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if _, err := svc.GenerateReport(ctx, validConfig(), "", "user-1"); !apperror.Is(err, apperror.CodeValidation) {
		t.Fatalf("expected validation error for missing workspace, got %v", err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(q.enqueued))
	}
}

func TestReportJobRetriesThenPersistsOnce(t *testing.T) {
	repos := setupRepos(t)
	store := cache.NewMemoryStore(100, time.Hour)
	metricSvc := metrics.NewService(repos.Metrics, store, metrics.Config{}, zap.NewNop())
	seedMetrics(t, metricSvc)

	recorder := &delayRecorder{}
	q := queue.NewMemoryQueue(queue.MemoryConfig{Workers: 2}, zap.NewNop(), nil, queue.WithAfterFunc(recorder.after))
	t.Cleanup(func() { _ = q.Close() })

	analytics := &flakyAnalytics{Analytics: metricSvc, failures: 2}
	svc := newService(repos, q, analytics, store, Config{})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start queue: %v", err)
	}

	result, err := svc.GenerateReport(ctx, validConfig(), "ws-1", "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var state *domain.JobState
	for time.Now().Before(deadline) {
		state, err = svc.JobStatus(ctx, result.JobID)
		if err == nil && (state.Status == domain.JobCompleted || state.Status == domain.JobFailed) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state == nil || state.Status != domain.JobCompleted {
		t.Fatalf("expected job to complete, got %+v", state)
	}
	if state.Attempt != 3 {
		t.Fatalf("expected 3 attempts, got %d", state.Attempt)
	}

	delays := recorder.recorded()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays %v", delays)
	}

	total, err := repos.Reports.CountDocuments(ctx, "ws-1", domain.ReportFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected exactly one report, got %d", total)
	}

	page, err := svc.GetWorkspaceReports(ctx, "ws-1", domain.ReportFilter{}, Pagination{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	doc := page.Reports[0]
	if !doc.ValidUntil.Equal(fixedNow.Add(30 * 24 * time.Hour)) {
		t.Fatalf("unexpected validUntil %v", doc.ValidUntil)
	}
	if doc.Data.Summary.TotalRecords != 3 || doc.Metadata.Version != "1.0" || doc.Metadata.GeneratedBy != "user-1" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.Data.Insights[0] != "Average USAGE: 20.00" {
		t.Fatalf("unexpected insights %v", doc.Data.Insights)
	}

	cached, err := svc.GetReport(ctx, doc.ID)
	if err != nil || cached.ID != doc.ID {
		t.Fatalf("expected cached document, got %v %v", cached, err)
	}
}

func TestReportJobExhaustionCreatesNoDocument(t *testing.T) {
	repos := setupRepos(t)
	metricSvc := metrics.NewService(repos.Metrics, nil, metrics.Config{}, zap.NewNop())
	recorder := &delayRecorder{}
	q := queue.NewMemoryQueue(queue.MemoryConfig{Workers: 1}, zap.NewNop(), nil, queue.WithAfterFunc(recorder.after))
	t.Cleanup(func() { _ = q.Close() })

	svc := newService(repos, q, &flakyAnalytics{Analytics: metricSvc, failures: 10}, nil, Config{})
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	result, err := svc.GenerateReport(ctx, validConfig(), "ws-1", "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var state *domain.JobState
	for time.Now().Before(deadline) {
		state, _ = svc.JobStatus(ctx, result.JobID)
		if state != nil && state.Status == domain.JobFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state == nil || state.Status != domain.JobFailed || state.Attempt != 3 {
		t.Fatalf("expected job to fail after 3 attempts, got %+v", state)
	}
	total, _ := repos.Reports.CountDocuments(ctx, "ws-1", domain.ReportFilter{})
	if total != 0 {
		t.Fatalf("expected no report for a failed job, got %d", total)
	}
}

func TestHandleJobRejectsBadPayloadPermanently(t *testing.T) {
	repos := setupRepos(t)
	svc := newService(repos, nil, nil, nil, Config{})

	err := svc.HandleJob(context.Background(), &queue.Job{ID: "j", Payload: []byte("{oops")})
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func createReport(t *testing.T, repos *domain.Repositories, workspaceID string, generatedAt time.Time) *domain.ReportDocument {
	t.Helper()
	dr := march
	doc := &domain.ReportDocument{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UserID:      "user-1",
		ReportType:  domain.ReportUsageSummary,
		Configuration: domain.ReportConfig{
			Title: "t", Description: "d", ReportType: domain.ReportUsageSummary,
			DateRange: &dr, Metrics: []domain.MetricType{domain.MetricUsage},
		},
		Data:        domain.ReportData{Metrics: map[string]domain.MetricSummary{}, Insights: []string{}},
		GeneratedAt: generatedAt,
		ValidUntil:  generatedAt.Add(30 * 24 * time.Hour),
		Metadata:    domain.ReportMetadata{GeneratedBy: "user-1", Version: "1.0"},
	}
	if err := repos.Reports.Create(context.Background(), doc); err != nil {
		t.Fatalf("create report: %v", err)
	}
	return doc
}

func TestGetWorkspaceReportsPaginationAndStaleness(t *testing.T) {
	repos := setupRepos(t)
	store := cache.NewMemoryStore(100, time.Hour)
	svc := newService(repos, nil, nil, store, Config{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		createReport(t, repos, "ws-1", base.Add(time.Duration(i)*time.Hour))
	}

	page, err := svc.GetWorkspaceReports(ctx, "ws-1", domain.ReportFilter{}, Pagination{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Reports) != 2 || page.Pagination.Total != 5 || page.Pagination.TotalPages != 3 {
		t.Fatalf("unexpected page %+v", page.Pagination)
	}
	if !page.Reports[0].GeneratedAt.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("expected newest-first ordering, got %v", page.Reports[0].GeneratedAt)
	}

	first, _ := svc.GetWorkspaceReports(ctx, "ws-1", domain.ReportFilter{}, Pagination{Page: 1, Limit: 10})
	createReport(t, repos, "ws-1", base.Add(10*time.Hour))
	second, _ := svc.GetWorkspaceReports(ctx, "ws-1", domain.ReportFilter{}, Pagination{Page: 1, Limit: 10})
	if len(first.Reports) != 5 || len(second.Reports) != 5 {
		t.Fatalf("expected cached list to stay stale until TTL, got %d then %d", len(first.Reports), len(second.Reports))
	}

	badType := domain.ReportType("NOPE")
	if _, err := svc.GetWorkspaceReports(ctx, "ws-1", domain.ReportFilter{ReportType: &badType}, Pagination{}); !apperror.Is(err, apperror.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGenerateInvalidatesListWhenConfigured(t *testing.T) {
	repos := setupRepos(t)
	store := cache.NewMemoryStore(100, time.Hour)
	metricSvc := metrics.NewService(repos.Metrics, store, metrics.Config{}, zap.NewNop())
	seedMetrics(t, metricSvc)
	svc := newService(repos, nil, metricSvc, store, Config{InvalidateListOnWrite: true})
	ctx := context.Background()

	if _, err := svc.GetWorkspaceReports(ctx, "ws-1", domain.ReportFilter{}, Pagination{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := svc.Generate(ctx, validConfig(), "ws-1", "user-1"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	page, err := svc.GetWorkspaceReports(ctx, "ws-1", domain.ReportFilter{}, Pagination{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Reports) != 1 {
		t.Fatalf("expected list to include the new report, got %d", len(page.Reports))
	}
}

func TestArchiveReport(t *testing.T) {
	repos := setupRepos(t)
	store := cache.NewMemoryStore(100, time.Hour)
	svc := newService(repos, nil, nil, store, Config{})
	ctx := context.Background()

	err := svc.ArchiveReport(ctx, "ws-1", "missing-id", "cleanup")
	if !apperror.Is(err, apperror.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	total, _ := repos.Reports.CountDocuments(ctx, "ws-1", domain.ReportFilter{})
	if total != 0 {
		t.Fatalf("expected no documents, got %d", total)
	}

	doc := createReport(t, repos, "ws-1", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if _, err := svc.GetReport(ctx, doc.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	err = svc.ArchiveReport(ctx, "ws-other", doc.ID, "takeover")
	if !apperror.Is(err, apperror.CodeNotFound) {
		t.Fatalf("expected not found for foreign workspace, got %v", err)
	}
	untouched, err := repos.Reports.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if untouched.IsArchived || untouched.Metadata.ArchivalReason != nil {
		t.Fatalf("foreign workspace must not archive the report, got %+v", untouched.Metadata)
	}

	if err := svc.ArchiveReport(ctx, "ws-1", doc.ID, "superseded"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	archived, err := svc.GetReport(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if !archived.IsArchived || archived.Metadata.ArchivalReason == nil || *archived.Metadata.ArchivalReason != "superseded" {
		t.Fatalf("expected archived document, got %+v", archived.Metadata)
	}
	if archived.Metadata.ArchivalDate == nil || !archived.Metadata.ArchivalDate.Equal(fixedNow) {
		t.Fatalf("unexpected archival date %v", archived.Metadata.ArchivalDate)
	}
}

func TestArchiveExpired(t *testing.T) {
	repos := setupRepos(t)
	svc := newService(repos, nil, nil, nil, Config{})
	ctx := context.Background()

	old := createReport(t, repos, "ws-1", fixedNow.Add(-40*24*time.Hour))
	fresh := createReport(t, repos, "ws-1", fixedNow.Add(-time.Hour))

	archived, err := svc.ArchiveExpired(ctx, fixedNow, 10)
	if err != nil {
		t.Fatalf("archive expired: %v", err)
	}
	if archived != 1 {
		t.Fatalf("expected 1 archived, got %d", archived)
	}
	got, _ := repos.Reports.GetByID(ctx, old.ID)
	if !got.IsArchived || *got.Metadata.ArchivalReason != ArchiveReasonExpired {
		t.Fatalf("expected old report archived, got %+v", got)
	}
	got, _ = repos.Reports.GetByID(ctx, fresh.ID)
	if got.IsArchived {
		t.Fatalf("expected fresh report untouched")
	}
}

func TestJobStatusNotFound(t *testing.T) {
	svc := newService(setupRepos(t), &recordingQueue{}, nil, nil, Config{})
	if _, err := svc.JobStatus(context.Background(), "nope"); !apperror.Is(err, apperror.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildInsights(t *testing.T) {
	analytics := &metrics.WorkspaceAnalytics{
		Statistics: map[string]stats.Summary{
			"USAGE":         {Mean: 20},
			"RESPONSE_TIME": {Mean: 250.456},
		},
		TimeSeries: []stats.Point{{Value: 40}, {Value: 30}},
	}
	roi := &metrics.ROIAnalysis{ROIResult: stats.ROIResult{ROI: -95, TotalCost: 1000, TotalBenefit: 50}}

	insights := buildInsights(analytics, roi)
	want := []string{
		"Average RESPONSE_TIME: 250.46",
		"Average USAGE: 20.00",
		"Overall trend shows decrease of 25.00%",
		"ROI for the period is -95.00% (cost 1000.00, benefit 50.00)",
	}
	if len(insights) != len(want) {
		t.Fatalf("unexpected insights %v", insights)
	}
	for i := range want {
		if insights[i] != want[i] {
			t.Fatalf("insight %d = %q, want %q", i, insights[i], want[i])
		}
	}

	flat := buildInsights(&metrics.WorkspaceAnalytics{TimeSeries: []stats.Point{{Value: 5}, {Value: 5}}}, nil)
	if len(flat) != 0 {
		t.Fatalf("expected no trend sentence for unchanged series, got %v", flat)
	}
}
