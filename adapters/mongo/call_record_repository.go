package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

const callRecordCollection = "call_records"

type CallRecordRepository struct {
	collection *mongo.Collection
}

// NewCallRecordRepository creates a new MongoDB call record repository
func NewCallRecordRepository(db *mongo.Database) repositories.CallRecordRepository {
	return &CallRecordRepository{
		collection: db.Collection(callRecordCollection),
	}
}

// EnsureIndexes creates the lookup indexes used by the repository
func (r *CallRecordRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "call_id", Value: 1}}},
		{Keys: bson.D{{Key: "ended_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create call record indexes: %w", err)
	}
	return nil
}

// Save implements repositories.CallRecordRepository
func (r *CallRecordRepository) Save(ctx context.Context, record *entities.CallRecord) error {
	if record == nil {
		return errors.New("call record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid call record: %w", err)
	}

	result, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}

	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		record.ID = oid
	}
	return nil
}

// GetByCallID implements repositories.CallRecordRepository
func (r *CallRecordRepository) GetByCallID(ctx context.Context, callID string) ([]*entities.CallRecord, error) {
	if callID == "" {
		return nil, errors.New("call ID cannot be empty")
	}

	opts := options.Find().SetSort(bson.M{"started_at": 1})
	records, err := r.find(ctx, bson.M{"call_id": callID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get call records for call %s: %w", callID, err)
	}
	if len(records) == 0 {
		return nil, repositories.ErrCallRecordNotFound
	}
	return records, nil
}

// ListRecent implements repositories.CallRecordRepository
func (r *CallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*entities.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	opts := options.Find().SetSort(bson.M{"ended_at": -1}).SetLimit(int64(limit))
	records, err := r.find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}

func (r *CallRecordRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*entities.CallRecord, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	records := []*entities.CallRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}
