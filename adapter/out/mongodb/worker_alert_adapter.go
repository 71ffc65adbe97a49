package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"priority_server/core/domain"
	"priority_server/core/port/out"
)

// =============================================================================
// MongoDB Alert Adapter
// =============================================================================

const (
	collectionAlerts = "performance_alerts"

	// 30일 지난 알림은 TTL 인덱스로 정리
	alertRetention = 30 * 24 * time.Hour
)

// AlertAdapter archives fired performance alerts. It implements out.AlertSink.
type AlertAdapter struct {
	collection *mongo.Collection
}

var _ out.AlertSink = (*AlertAdapter)(nil)

// NewAlertAdapter creates a new MongoDB alert adapter.
func NewAlertAdapter(db *mongo.Database) *AlertAdapter {
	return &AlertAdapter{collection: db.Collection(collectionAlerts)}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *AlertAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "rule", Value: 1},
				{Key: "fired_at", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "fired_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(alertRetention.Seconds())),
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// FireAlert stores the alert. Re-delivering the same alert ID is a no-op.
func (a *AlertAdapter) FireAlert(ctx context.Context, alert *domain.Alert) error {
	_, err := a.collection.InsertOne(ctx, alert)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to archive alert: %w", err)
	}
	return nil
}

// Recent returns the newest alerts, optionally filtered by rule name.
func (a *AlertAdapter) Recent(ctx context.Context, rule string, limit int) ([]domain.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	filter := bson.M{}
	if rule != "" {
		filter["rule"] = rule
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "fired_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer cursor.Close(ctx)

	alerts := make([]domain.Alert, 0, limit)
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, fmt.Errorf("failed to decode alerts: %w", err)
	}
	return alerts, nil
}
