package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

func TestMetricFilterTranslatesAllFields(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	before := start.Add(-time.Hour)

	match := metricFilter(domain.MetricFilter{
		WorkspaceID: "ws-1",
		PromptID:    "prompt-1",
		UserID:      "user-1",
		MetricTypes: []domain.MetricType{domain.MetricUsage, domain.MetricROI},
		DateRange:   &domain.DateRange{Start: start, End: end},
		Before:      &before,
	})

	if match["workspaceId"] != "ws-1" || match["promptId"] != "prompt-1" || match["userId"] != "user-1" {
		t.Fatalf("unexpected identity filters %+v", match)
	}
	types := match["metricType"].(bson.M)["$in"].(bson.A)
	if len(types) != 2 || types[0] != "USAGE" {
		t.Fatalf("unexpected metric type filter %+v", types)
	}
	ts := match["timestamp"].(bson.M)
	if ts["$gte"] != start || ts["$lte"] != end || ts["$lt"] != before {
		t.Fatalf("unexpected timestamp filter %+v", ts)
	}
}

func TestMetricFilterEmpty(t *testing.T) {
	if match := metricFilter(domain.MetricFilter{}); len(match) != 0 {
		t.Fatalf("expected empty match got %+v", match)
	}
}

func TestAggregatePipelineGroupsByDay(t *testing.T) {
	pipeline := aggregatePipeline("ws-1", domain.AggregateOptions{GroupBy: domain.GroupByDay})
	if len(pipeline) != 3 {
		t.Fatalf("expected match, group and sort stages got %d", len(pipeline))
	}
	if pipeline[0][0].Key != "$match" || pipeline[1][0].Key != "$group" {
		t.Fatalf("unexpected stage order")
	}
	group := pipeline[1][0].Value.(bson.M)
	id, ok := group["_id"].(bson.M)
	if !ok {
		t.Fatalf("expected $dateToString expression for day grouping")
	}
	if _, ok := id["$dateToString"]; !ok {
		t.Fatalf("expected $dateToString got %+v", id)
	}
	for _, field := range []string{"average", "sum", "min", "max", "count"} {
		if _, ok := group[field]; !ok {
			t.Fatalf("expected accumulator %s", field)
		}
	}
}

func TestAggregatePipelineDefaultsToMetricType(t *testing.T) {
	pipeline := aggregatePipeline("ws-1", domain.AggregateOptions{})
	group := pipeline[1][0].Value.(bson.M)
	if group["_id"] != "$metricType" {
		t.Fatalf("expected metricType grouping got %v", group["_id"])
	}
}

func TestReportFilterAndArchiveUpdate(t *testing.T) {
	reportType := domain.ReportROIAnalysis
	archived := false
	match := reportFilter("ws-1", domain.ReportFilter{ReportType: &reportType, IsArchived: &archived})
	if match["workspaceId"] != "ws-1" || match["reportType"] != "ROI_ANALYSIS" || match["isArchived"] != false {
		t.Fatalf("unexpected report filter %+v", match)
	}

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	set := archiveUpdate("obsolete", at)["$set"].(bson.M)
	if set["isArchived"] != true || set["metadata.archivalReason"] != "obsolete" || set["metadata.archivalDate"] != at {
		t.Fatalf("unexpected archive update %+v", set)
	}
	if _, ok := archiveUpdate("", at)["$set"].(bson.M)["metadata.archivalReason"]; ok {
		t.Fatalf("expected empty reason to be omitted")
	}
}

func TestClassify(t *testing.T) {
	if err := classify("op", context.DeadlineExceeded); !domain.IsTransient(err) {
		t.Fatalf("expected deadline to be transient, got %v", err)
	}

	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key"}}}
	if err := classify("op", dup); !errors.Is(err, domain.ErrStoreTerminal) {
		t.Fatalf("expected duplicate key to be terminal, got %v", err)
	}

	if err := classify("op", domain.ErrNotFound); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found to pass through")
	}
	if classify("op", nil) != nil {
		t.Fatalf("expected nil")
	}
}
