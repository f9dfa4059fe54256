package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultOperationTimeout = 5 * time.Second

type topicDocument struct {
	SessionID   string `bson:"session_id"`
	stomp.Topic `bson:",inline"`
}

// MongoStore keeps one document per (session_id, id) pair
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

func NewMongoStore(ctx context.Context, opts Options) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}

	clientOptions := options.Client().ApplyURI(opts.URI).SetAppName(opts.AppName)
	clientOptions.SetConnectTimeout(timeout)
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s", evt.Address)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 3*timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	collection := client.Database(opts.Database).Collection(TopicCollectionName)
	_, err = collection.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("topics_session_id_id_unique"),
	})
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	return &MongoStore{client: client, collection: collection, timeout: timeout}, nil
}

func (ms *MongoStore) Load(ctx context.Context, sessionID string) ([]stomp.Topic, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	startTime := time.Now()
	cursor, err := ms.collection.Find(ctx, bson.D{{Key: "session_id", Value: sessionID}}, opts)
	if err != nil {
		return nil, wrapDatabaseError(err)
	}
	var documents []topicDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, wrapDatabaseError(err)
	}
	logger.DebugF("topic query cost: %v", time.Since(startTime))

	topics := make([]stomp.Topic, 0, len(documents))
	for _, document := range documents {
		topics = append(topics, document.Topic)
	}
	return topics, nil
}

func (ms *MongoStore) Get(ctx context.Context, sessionID, id string) (stomp.Topic, error) {
	if sessionID == "" {
		return stomp.Topic{}, ErrEmptySessionID
	}
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	var document topicDocument
	err := ms.collection.FindOne(ctx, topicFilter(sessionID, id)).Decode(&document)
	if err != nil {
		return stomp.Topic{}, wrapDatabaseError(err)
	}
	return document.Topic, nil
}

func (ms *MongoStore) Save(ctx context.Context, sessionID string, topic stomp.Topic) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	document := topicDocument{SessionID: sessionID, Topic: topic}
	result, err := ms.collection.ReplaceOne(ctx, topicFilter(sessionID, topic.ID), document, opts)
	if err != nil {
		return wrapDatabaseError(err)
	}

	logger.DebugF("Topic saved: session_id=%s, id=%s, matched=%d, upserted=%v",
		sessionID, topic.ID, result.MatchedCount, result.UpsertedID != nil)
	return nil
}

func (ms *MongoStore) Delete(ctx context.Context, sessionID, id string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	result, err := ms.collection.DeleteOne(ctx, topicFilter(sessionID, id))
	if err != nil {
		return wrapDatabaseError(err)
	}
	logger.DebugF("Topic deleted: session_id=%s, id=%s, deleted=%d", sessionID, id, result.DeletedCount)
	return nil
}

func (ms *MongoStore) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()

	result, err := ms.collection.DeleteMany(ctx, bson.D{{Key: "session_id", Value: sessionID}})
	if err != nil {
		return wrapDatabaseError(err)
	}
	logger.InfoF("Topics cleared: session_id=%s, deleted=%d", sessionID, result.DeletedCount)
	return nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ms.timeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func topicFilter(sessionID, id string) bson.D {
	return bson.D{{Key: "session_id", Value: sessionID}, {Key: "id", Value: id}}
}

func wrapDatabaseError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", ErrNotFound)
	}
	return fmt.Errorf("database operation failed: %w", err)
}
