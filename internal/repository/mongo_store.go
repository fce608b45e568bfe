package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/azizikri/coupon-issuance/internal/domain"
)

const issuancesCollection = "coupon_issuances"

type issuanceDoc struct {
	ID        string    `bson:"record_id"`
	PoolID    string    `bson:"pool_id"`
	UserID    string    `bson:"user_id"`
	ProductID string    `bson:"product_id"`
	IssuedAt  time.Time `bson:"issued_at"`
}

// MongoStore keeps the book-of-record in MongoDB; a unique compound index on
// (pool_id, user_id) backs the upsert.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// ConnectMongo connects, pings and ensures indexes.
func ConnectMongo(ctx context.Context, uri, dbName string) (Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	store := NewMongoStore(client, client.Database(dbName))
	if err := store.CreateIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:     client,
		collection: db.Collection(issuancesCollection),
	}
}

func (s *MongoStore) CreateIndexes(ctx context.Context) error {
	poolUserIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "pool_id", Value: 1},
			{Key: "user_id", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("pool_user_unique"),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, poolUserIndex); err != nil {
		return fmt.Errorf("failed to create pool_user unique index: %w", err)
	}
	return nil
}

func (s *MongoStore) Upsert(ctx context.Context, rec domain.IssuanceRecord) (bool, error) {
	filter := bson.M{"pool_id": rec.PoolID, "user_id": rec.UserID}
	update := bson.M{"$setOnInsert": issuanceDoc{
		ID:        rec.ID,
		PoolID:    rec.PoolID,
		UserID:    rec.UserID,
		ProductID: rec.ProductID,
		IssuedAt:  rec.IssuedAt,
	}}

	res, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// Two concurrent upserts on a fresh key can race on the unique index;
		// the loser's row already exists.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("upsert issuance %s: %w", rec.Key(), err)
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) ListByPool(ctx context.Context, poolID string) ([]domain.IssuanceRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "issued_at", Value: 1}, {Key: "user_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"pool_id": poolID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list issuances %s: %w", poolID, err)
	}
	defer cursor.Close(ctx)

	var docs []issuanceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode issuances %s: %w", poolID, err)
	}

	records := make([]domain.IssuanceRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, domain.IssuanceRecord{
			ID:        d.ID,
			PoolID:    d.PoolID,
			UserID:    d.UserID,
			ProductID: d.ProductID,
			IssuedAt:  d.IssuedAt,
			Outcome:   domain.OutcomeIssued,
		})
	}
	return records, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
