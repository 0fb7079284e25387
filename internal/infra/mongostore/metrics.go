package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

type metricRepository struct {
	coll *mongo.Collection
}

// metricFilter 将过滤条件翻译为 $match 文档。
func metricFilter(filter domain.MetricFilter) bson.M {
	match := bson.M{}
	if filter.WorkspaceID != "" {
		match["workspaceId"] = filter.WorkspaceID
	}
	if filter.PromptID != "" {
		match["promptId"] = filter.PromptID
	}
	if filter.UserID != "" {
		match["userId"] = filter.UserID
	}
	if len(filter.MetricTypes) > 0 {
		types := make(bson.A, len(filter.MetricTypes))
		for i, metricType := range filter.MetricTypes {
			types[i] = string(metricType)
		}
		match["metricType"] = bson.M{"$in": types}
	}

	timestamp := bson.M{}
	if filter.DateRange != nil {
		timestamp["$gte"] = filter.DateRange.Start
		timestamp["$lte"] = filter.DateRange.End
	}
	if filter.Before != nil {
		timestamp["$lt"] = *filter.Before
	}
	if len(timestamp) > 0 {
		match["timestamp"] = timestamp
	}
	return match
}

// groupKey 返回 $group 使用的 _id 表达式。
func groupKey(groupBy domain.GroupBy) interface{} {
	switch groupBy {
	case domain.GroupByPrompt:
		return "$promptId"
	case domain.GroupByUser:
		return "$userId"
	case domain.GroupByDay:
		return bson.M{"$dateToString": bson.M{"format": "%Y-%m-%d", "date": "$timestamp", "timezone": "UTC"}}
	default:
		return "$metricType"
	}
}

// aggregatePipeline 构造按工作区分组聚合的管道。
func aggregatePipeline(workspaceID string, opts domain.AggregateOptions) mongo.Pipeline {
	match := metricFilter(domain.MetricFilter{
		WorkspaceID: workspaceID,
		MetricTypes: opts.MetricTypes,
		DateRange:   opts.DateRange,
	})
	return mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":     groupKey(opts.GroupBy),
			"average": bson.M{"$avg": "$value"},
			"sum":     bson.M{"$sum": "$value"},
			"min":     bson.M{"$min": "$value"},
			"max":     bson.M{"$max": "$value"},
			"count":   bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
}

func (r *metricRepository) Create(ctx context.Context, record *domain.MetricRecord) error {
	_, err := r.coll.InsertOne(ctx, record)
	return classify("metrics.create", err)
}

func (r *metricRepository) FindByPrompt(ctx context.Context, promptID string, dateRange *domain.DateRange) ([]*domain.MetricRecord, error) {
	return r.find(ctx, "metrics.find_by_prompt", domain.MetricFilter{PromptID: promptID, DateRange: dateRange})
}

func (r *metricRepository) FindByDateRange(ctx context.Context, dateRange domain.DateRange, filter domain.MetricFilter) ([]*domain.MetricRecord, error) {
	filter.DateRange = &dateRange
	return r.find(ctx, "metrics.find_by_date_range", filter)
}

func (r *metricRepository) find(ctx context.Context, op string, filter domain.MetricFilter) ([]*domain.MetricRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	cursor, err := r.coll.Find(ctx, metricFilter(filter), opts)
	if err != nil {
		return nil, classify(op, err)
	}
	defer cursor.Close(ctx)

	var records []*domain.MetricRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, classify(op, err)
	}
	return records, nil
}

func (r *metricRepository) AggregateByWorkspace(ctx context.Context, workspaceID string, opts domain.AggregateOptions) ([]*domain.AggregateRow, error) {
	const op = "metrics.aggregate_by_workspace"
	cursor, err := r.coll.Aggregate(ctx, aggregatePipeline(workspaceID, opts))
	if err != nil {
		return nil, classify(op, err)
	}
	defer cursor.Close(ctx)

	var rows []*domain.AggregateRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, classify(op, err)
	}
	return rows, nil
}

func (r *metricRepository) DeleteByFilter(ctx context.Context, filter domain.MetricFilter) (int64, error) {
	const op = "metrics.delete_by_filter"
	if filter.Empty() {
		return 0, domain.NewTerminalError(op, domain.ErrEmptyFilter)
	}
	result, err := r.coll.DeleteMany(ctx, metricFilter(filter))
	if err != nil {
		return 0, classify(op, err)
	}
	return result.DeletedCount, nil
}
