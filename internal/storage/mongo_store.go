package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/proximity-matching/internal/models"
)

const (
	participantsCollection = "participants"
	searchesCollection     = "searches"
)

type MongoStore struct {
	client       *mongo.Client
	participants *mongo.Collection
	searches     *mongo.Collection
}

// NewMongoStore connects, pings and ensures the archive indexes exist.
func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	slog.Info("connecting to mongodb", "database", database)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetRetryWrites(true).
		SetRetryReads(true)
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{client: client, participants: db.Collection(participantsCollection), searches: db.Collection(searchesCollection)}

	_, err = s.searches.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "requester_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create search indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) LoadParticipants(ctx context.Context) ([]models.Participant, error) {
	cur, err := s.participants.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find participants: %w", err)
	}
	var out []models.Participant
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return out, nil
}

func (s *MongoStore) SaveParticipant(ctx context.Context, p models.Participant) error {
	_, err := s.participants.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *MongoStore) DeleteParticipant(ctx context.Context, id string) error {
	if _, err := s.participants.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete participant %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) ArchiveSearch(ctx context.Context, r models.SearchRequest) error {
	_, err := s.searches.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive search %s: %w", r.ID, err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
