// Package store persists the subscription records of a session so they can be
// restored after the process restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
)

const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
)

const TopicCollectionName = "topics"

var (
	ErrEmptySessionID = errors.New("session_id is empty")
	ErrNotFound       = errors.New("topic does not exist")
)

// TopicStore keeps the active topics of each session, keyed by subscription id
type TopicStore interface {
	Load(ctx context.Context, sessionID string) ([]stomp.Topic, error)
	Get(ctx context.Context, sessionID, id string) (stomp.Topic, error)
	Save(ctx context.Context, sessionID string, topic stomp.Topic) error
	Delete(ctx context.Context, sessionID, id string) error
	Clear(ctx context.Context, sessionID string) error
	Close(ctx context.Context) error
}

type Options struct {
	Driver   string
	URI      string
	Database string
	AppName  string
	Timeout  time.Duration
}

// Open connects the backend selected by opts.Driver
func Open(ctx context.Context, opts Options) (TopicStore, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverMongo:
		return NewMongoStore(ctx, opts)
	case DriverRedis:
		return NewRedisStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
