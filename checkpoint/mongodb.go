package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store using MongoDB.
//
// Document structure:
//
//	{
//	    "_id": "group/entity/partition",
//	    "entity": "order-placed",
//	    "group": "billing",
//	    "partition": 3,
//	    "offset": 1042,
//	    "updated_at": ISODate("2024-01-15T10:30:00Z")
//	}
type MongoStore struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// MongoOption configures the MongoDB checkpoint store
type MongoOption func(*MongoStore)

// WithMongoTTL sets a TTL for checkpoint documents.
// This creates a TTL index on the "updated_at" field.
// Default is 0 (no expiration).
func WithMongoTTL(ttl time.Duration) MongoOption {
	return func(s *MongoStore) {
		s.ttl = ttl
	}
}

type offsetDoc struct {
	ID        string    `bson:"_id"`
	Entity    string    `bson:"entity"`
	Group     string    `bson:"group"`
	Partition int32     `bson:"partition"`
	Offset    int64     `bson:"offset"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore creates a new MongoDB-backed checkpoint store.
//
// Example:
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
//	store := checkpoint.NewMongoStore(client.Database("myapp").Collection("offsets"))
func NewMongoStore(collection *mongo.Collection, opts ...MongoOption) *MongoStore {
	s := &MongoStore{
		collection: collection,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Indexes returns the index models for the checkpoint collection.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	indexes := []mongo.IndexModel{{
		Keys:    bson.D{{Key: "group", Value: 1}, {Key: "entity", Value: 1}},
		Options: options.Index().SetName("checkpoint_group_entity"),
	}}
	if s.ttl > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(s.ttl.Seconds())).
				SetName("checkpoint_ttl"),
		})
	}
	return indexes
}

// EnsureIndexes creates the indexes returned by Indexes.
// Call this once during application startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Save upserts the offset for key.
func (s *MongoStore) Save(ctx context.Context, key Key, offset int64) error {
	doc := offsetDoc{
		ID:        key.String(),
		Entity:    key.Entity,
		Group:     key.Group,
		Partition: key.Partition,
		Offset:    offset,
		UpdatedAt: time.Now(),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// Load retrieves the last saved offset for key.
func (s *MongoStore) Load(ctx context.Context, key Key) (int64, bool, error) {
	var doc offsetDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return doc.Offset, true, nil
}

// Delete removes the offset for key.
func (s *MongoStore) Delete(ctx context.Context, key Key) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": key.String()})
	return err
}

// DeleteGroup removes every offset of a consumer group.
func (s *MongoStore) DeleteGroup(ctx context.Context, group string) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"group": group})
	return err
}
