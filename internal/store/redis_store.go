package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "stomp:topics:"

// RedisStore keeps each session in a hash of subscription id -> JSON topic
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, opts Options) (*RedisStore, error) {
	redisOptions, err := redis.ParseURL(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid redis uri: %w", err)
	}
	if opts.AppName != "" {
		redisOptions.ClientName = opts.AppName
	}
	if opts.Timeout > 0 {
		redisOptions.DialTimeout = opts.Timeout
		redisOptions.ReadTimeout = opts.Timeout
		redisOptions.WriteTimeout = opts.Timeout
	}
	client := redis.NewClient(redisOptions)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error occured while pinging redis: %w", err)
	}
	return NewRedisStoreFromClient(client), nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (rs *RedisStore) Load(ctx context.Context, sessionID string) ([]stomp.Topic, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	values, err := rs.client.HGetAll(ctx, redisKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis operation failed: %w", err)
	}
	topics := make([]stomp.Topic, 0, len(values))
	for id, value := range values {
		var topic stomp.Topic
		if err := json.Unmarshal([]byte(value), &topic); err != nil {
			logger.WarnF("Skipping corrupt topic %s of session %s: %v", id, sessionID, err)
			continue
		}
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].ID < topics[j].ID })
	return topics, nil
}

func (rs *RedisStore) Get(ctx context.Context, sessionID, id string) (stomp.Topic, error) {
	if sessionID == "" {
		return stomp.Topic{}, ErrEmptySessionID
	}
	value, err := rs.client.HGet(ctx, redisKey(sessionID), id).Result()
	if errors.Is(err, redis.Nil) {
		return stomp.Topic{}, ErrNotFound
	}
	if err != nil {
		return stomp.Topic{}, fmt.Errorf("redis operation failed: %w", err)
	}
	var topic stomp.Topic
	if err := json.Unmarshal([]byte(value), &topic); err != nil {
		return stomp.Topic{}, fmt.Errorf("decode topic %s: %w", id, err)
	}
	return topic, nil
}

func (rs *RedisStore) Save(ctx context.Context, sessionID string, topic stomp.Topic) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	data, err := json.Marshal(topic)
	if err != nil {
		return fmt.Errorf("encode topic %s: %w", topic.ID, err)
	}
	if err := rs.client.HSet(ctx, redisKey(sessionID), topic.ID, data).Err(); err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	return nil
}

func (rs *RedisStore) Delete(ctx context.Context, sessionID, id string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if err := rs.client.HDel(ctx, redisKey(sessionID), id).Err(); err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	return nil
}

func (rs *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if err := rs.client.Del(ctx, redisKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis operation failed: %w", err)
	}
	logger.InfoF("Topics cleared: session_id=%s", sessionID)
	return nil
}

func (rs *RedisStore) Close(context.Context) error {
	logger.InfoF("Closing redis connection")
	return rs.client.Close()
}

func redisKey(sessionID string) string {
	return redisKeyPrefix + sessionID
}
