package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zacharykka/prompt-analytics/internal/domain"
)

type reportRepository struct {
	coll *mongo.Collection
}

// reportFilter 生成工作区报表过滤条件；DateRange 作用于生成时间。
func reportFilter(workspaceID string, filter domain.ReportFilter) bson.M {
	match := bson.M{"workspaceId": workspaceID}
	if filter.ReportType != nil {
		match["reportType"] = string(*filter.ReportType)
	}
	if filter.DateRange != nil {
		match["generatedAt"] = bson.M{"$gte": filter.DateRange.Start, "$lte": filter.DateRange.End}
	}
	if filter.IsArchived != nil {
		match["isArchived"] = *filter.IsArchived
	}
	return match
}

// archiveUpdate 只修改归档相关字段。
func archiveUpdate(reason string, at time.Time) bson.M {
	set := bson.M{
		"isArchived":            true,
		"metadata.archivalDate": at,
	}
	if reason != "" {
		set["metadata.archivalReason"] = reason
	}
	return bson.M{"$set": set}
}

func (r *reportRepository) Create(ctx context.Context, report *domain.ReportDocument) error {
	_, err := r.coll.InsertOne(ctx, report)
	return classify("reports.create", err)
}

func (r *reportRepository) GetByID(ctx context.Context, reportID string) (*domain.ReportDocument, error) {
	var report domain.ReportDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": reportID}).Decode(&report)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("reports.get_by_id", err)
	}
	return &report, nil
}

func (r *reportRepository) FindByWorkspace(ctx context.Context, workspaceID string, filter domain.ReportFilter, page, limit int) ([]*domain.ReportDocument, error) {
	const op = "reports.find_by_workspace"
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "generatedAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, reportFilter(workspaceID, filter), opts)
	if err != nil {
		return nil, classify(op, err)
	}
	defer cursor.Close(ctx)

	var reports []*domain.ReportDocument
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, classify(op, err)
	}
	return reports, nil
}

func (r *reportRepository) CountDocuments(ctx context.Context, workspaceID string, filter domain.ReportFilter) (int64, error) {
	total, err := r.coll.CountDocuments(ctx, reportFilter(workspaceID, filter))
	if err != nil {
		return 0, classify("reports.count", err)
	}
	return total, nil
}

func (r *reportRepository) Archive(ctx context.Context, reportID string, reason string, at time.Time) error {
	result, err := r.coll.UpdateOne(ctx, bson.M{"_id": reportID}, archiveUpdate(reason, at))
	if err != nil {
		return classify("reports.archive", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *reportRepository) FindExpired(ctx context.Context, before time.Time, limit int) ([]*domain.ReportDocument, error) {
	const op = "reports.find_expired"
	if limit <= 0 {
		limit = 100
	}

	opts := options.Find().SetSort(bson.D{{Key: "validUntil", Value: 1}}).SetLimit(int64(limit))
	cursor, err := r.coll.Find(ctx, bson.M{"isArchived": false, "validUntil": bson.M{"$lt": before}}, opts)
	if err != nil {
		return nil, classify(op, err)
	}
	defer cursor.Close(ctx)

	var reports []*domain.ReportDocument
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, classify(op, err)
	}
	return reports, nil
}
