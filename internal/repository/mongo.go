package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/phxrealty/ingest/internal/domain"
)

const collectionProperties = "properties"

// MongoRepository implements Repository against a MongoDB collection.
type MongoRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// MongoOption configures a MongoRepository at construction.
type MongoOption func(*MongoRepository)

// WithClock overrides the repository's time source; intended for tests.
func WithClock(now func() time.Time) MongoOption {
	return func(r *MongoRepository) { r.now = now }
}

// NewMongoRepository wraps an already-connected database handle and
// ensures the indexes required for uniqueness and query performance
// exist, mirroring the collection's required index set.
func NewMongoRepository(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoRepository, error) {
	r := &MongoRepository{collection: db.Collection(collectionProperties), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("repository: ensuring indexes: %w", err)
	}
	return r, nil
}

func (r *MongoRepository) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "property_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "address.zipcode", Value: 1}}},
		{Keys: bson.D{{Key: "listing.status", Value: 1}}},
		{Keys: bson.D{{Key: "current_price", Value: 1}}},
		{Keys: bson.D{{Key: "last_updated", Value: 1}}},
		{Keys: bson.D{{Key: "is_active", Value: 1}}},
		{Keys: bson.D{{Key: "sources.source", Value: 1}}},
		{Keys: bson.D{{Key: "address.zipcode", Value: 1}, {Key: "listing.status", Value: 1}}},
		{Keys: bson.D{{Key: "address.zipcode", Value: 1}, {Key: "current_price", Value: -1}}},
		{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "last_updated", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Ping verifies the underlying database connection is reachable, for
// the ProcessingService readiness probe.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, nil)
}

func (r *MongoRepository) Create(ctx context.Context, property domain.Property) (string, error) {
	now := r.now()
	property.FirstSeen, property.LastUpdated = now, now
	_, err := r.collection.InsertOne(ctx, property)
	if mongo.IsDuplicateKeyError(err) {
		return "", ErrAlreadyExists
	}
	if err != nil {
		return "", fmt.Errorf("repository: create: %w", err)
	}
	return property.PropertyID, nil
}

func (r *MongoRepository) Upsert(ctx context.Context, property domain.Property) (string, bool, error) {
	now := r.now()

	var existing domain.Property
	err := r.collection.FindOne(ctx, bson.M{"property_id": property.PropertyID}).Decode(&existing)
	switch {
	case err == mongo.ErrNoDocuments:
		property.FirstSeen, property.LastUpdated = now, now
		if _, insertErr := r.collection.InsertOne(ctx, property); insertErr != nil {
			return "", false, fmt.Errorf("repository: upsert insert: %w", insertErr)
		}
		return property.PropertyID, true, nil
	case err != nil:
		return "", false, fmt.Errorf("repository: upsert lookup: %w", err)
	}

	merged := existing
	merged.PropertyType = property.PropertyType
	merged.Features = property.Features
	merged.Listing = property.Listing
	merged.TaxInfo = property.TaxInfo
	merged.MergePriceHistory(property.PriceHistory)
	merged.MergeSources(property.Sources)
	merged.RecomputeCurrentPrice()
	merged.LastUpdated = now
	merged.IsActive = property.IsActive

	_, err = r.collection.ReplaceOne(ctx, bson.M{"property_id": merged.PropertyID}, merged)
	if err != nil {
		return "", false, fmt.Errorf("repository: upsert replace: %w", err)
	}
	return merged.PropertyID, false, nil
}

func (r *MongoRepository) GetByPropertyID(ctx context.Context, propertyID string) (*domain.Property, error) {
	var property domain.Property
	err := r.collection.FindOne(ctx, bson.M{"property_id": propertyID}).Decode(&property)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get_by_property_id: %w", err)
	}
	return &property, nil
}

func (r *MongoRepository) SearchByZipcode(ctx context.Context, zipcode string, opts SearchOptions) ([]domain.Property, int64, error) {
	filter := bson.M{"address.zipcode": zipcode}

	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: search_by_zipcode count: %w", err)
	}

	sortField := string(opts.SortBy)
	if sortField == "" {
		sortField = string(SortByLastUpdated)
	}
	sortDir := 1
	if opts.SortOrder == SortDescending {
		sortDir = -1
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: sortDir}}).
		SetSkip(opts.Skip)
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cursor, err := r.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: search_by_zipcode find: %w", err)
	}
	defer cursor.Close(ctx)

	var properties []domain.Property
	if err := cursor.All(ctx, &properties); err != nil {
		return nil, 0, fmt.Errorf("repository: search_by_zipcode decode: %w", err)
	}
	return properties, total, nil
}

func (r *MongoRepository) GetRecentUpdates(ctx context.Context, since time.Time, limit int64) ([]domain.Property, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "last_updated", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(limit)
	}
	cursor, err := r.collection.Find(ctx, bson.M{"last_updated": bson.M{"$gte": since}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("repository: get_recent_updates: %w", err)
	}
	defer cursor.Close(ctx)

	var properties []domain.Property
	if err := cursor.All(ctx, &properties); err != nil {
		return nil, fmt.Errorf("repository: get_recent_updates decode: %w", err)
	}
	return properties, nil
}

func (r *MongoRepository) GetPriceStatistics(ctx context.Context, zipcode string) (PriceStatistics, error) {
	filter := bson.M{
		"address.zipcode": zipcode,
		"is_active":       true,
		"current_price":   bson.M{"$ne": nil},
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$group", Value: bson.M{
			"_id": nil,
			"count": bson.M{"$sum": 1},
			"avg":   bson.M{"$avg": "$current_price"},
			"min":   bson.M{"$min": "$current_price"},
			"max":   bson.M{"$max": "$current_price"},
		}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return PriceStatistics{}, fmt.Errorf("repository: get_price_statistics aggregate: %w", err)
	}
	defer cursor.Close(ctx)

	var agg struct {
		Count int64   `bson:"count"`
		Avg   float64 `bson:"avg"`
		Min   float64 `bson:"min"`
		Max   float64 `bson:"max"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&agg); err != nil {
			return PriceStatistics{}, fmt.Errorf("repository: get_price_statistics decode: %w", err)
		}
	}
	if agg.Count == 0 {
		return PriceStatistics{}, nil
	}

	projection := options.Find().SetProjection(bson.M{"current_price": 1})
	cursor2, err := r.collection.Find(ctx, filter, projection)
	if err != nil {
		return PriceStatistics{}, fmt.Errorf("repository: get_price_statistics median fetch: %w", err)
	}
	defer cursor2.Close(ctx)

	var prices []float64
	for cursor2.Next(ctx) {
		var doc struct {
			CurrentPrice *float64 `bson:"current_price"`
		}
		if err := cursor2.Decode(&doc); err != nil {
			return PriceStatistics{}, fmt.Errorf("repository: get_price_statistics median decode: %w", err)
		}
		if doc.CurrentPrice != nil {
			prices = append(prices, *doc.CurrentPrice)
		}
	}
	sort.Float64s(prices)

	return PriceStatistics{
		Count:  agg.Count,
		Avg:    agg.Avg,
		Min:    agg.Min,
		Max:    agg.Max,
		Median: median(prices),
	}, nil
}

func (r *MongoRepository) AddPriceHistory(ctx context.Context, propertyID string, entry domain.PropertyPrice) (bool, error) {
	property, err := r.GetByPropertyID(ctx, propertyID)
	if err != nil {
		return false, err
	}
	if property == nil {
		return false, ErrNotFound
	}
	appended := property.MergePriceHistory([]domain.PropertyPrice{entry})
	if appended == 0 {
		return false, nil
	}
	property.RecomputeCurrentPrice()
	property.LastUpdated = r.now()

	_, err = r.collection.ReplaceOne(ctx, bson.M{"property_id": propertyID}, property)
	if err != nil {
		return false, fmt.Errorf("repository: add_price_history: %w", err)
	}
	return true, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
