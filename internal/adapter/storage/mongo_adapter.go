package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

const snapshotCollection = "cart_snapshots"

type mongoSnapshot struct {
	Key       string            `bson:"_id"`
	Items     []domain.LineItem `bson:"items"`
	Version   int64             `bson:"version"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

type MongoAdapter struct {
	collection *mongo.Collection
}

func NewMongoAdapter(db *mongo.Database) *MongoAdapter {
	return &MongoAdapter{collection: db.Collection(snapshotCollection)}
}

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

func (m *MongoAdapter) Load(ctx context.Context, key string) (domain.Cart, error) {
	res := m.collection.FindOne(ctx, bson.M{"_id": key})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Cart{}, nil
		}
		return domain.Cart{}, fmt.Errorf("failed to get cart snapshot: %w", err)
	}

	var snap mongoSnapshot
	if err := res.Decode(&snap); err != nil {
		return domain.Cart{}, fmt.Errorf("%w: %v", port.ErrCorruptSnapshot, err)
	}

	return domain.Cart{Items: snap.Items, Version: snap.Version}, nil
}

func (m *MongoAdapter) Save(ctx context.Context, key string, cart domain.Cart) (int64, error) {
	items := cart.Items
	if items == nil {
		items = []domain.LineItem{}
	}
	now := time.Now().UTC()

	if cart.Version == 0 {
		_, err := m.collection.InsertOne(ctx, mongoSnapshot{Key: key, Items: items, Version: 1, UpdatedAt: now})
		if mongo.IsDuplicateKeyError(err) {
			return 0, port.ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("failed to insert cart snapshot: %w", err)
		}
		return 1, nil
	}

	filter := bson.M{"_id": key, "version": cart.Version}
	update := bson.M{
		"$set": bson.M{"items": items, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}
	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to update cart snapshot: %w", err)
	}
	if result.MatchedCount == 0 {
		return 0, port.ErrVersionConflict
	}

	return cart.Version + 1, nil
}

func (m *MongoAdapter) Ping(ctx context.Context) error {
	return m.collection.Database().Client().Ping(ctx, nil)
}
