package store

import (
	"context"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]stomp.Topic
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]stomp.Topic)}
}

func (ms *MemoryStore) Load(_ context.Context, sessionID string) ([]stomp.Topic, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return sortTopics(ms.sessions[sessionID]), nil
}

func (ms *MemoryStore) Get(_ context.Context, sessionID, id string) (stomp.Topic, error) {
	if sessionID == "" {
		return stomp.Topic{}, ErrEmptySessionID
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	topic, ok := ms.sessions[sessionID][id]
	if !ok {
		return stomp.Topic{}, ErrNotFound
	}
	return topic, nil
}

func (ms *MemoryStore) Save(_ context.Context, sessionID string, topic stomp.Topic) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	topics, ok := ms.sessions[sessionID]
	if !ok {
		topics = make(map[string]stomp.Topic)
		ms.sessions[sessionID] = topics
	}
	topics[topic.ID] = topic
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, sessionID, id string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions[sessionID], id)
	return nil
}

func (ms *MemoryStore) Clear(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, sessionID)
	logger.DebugF("Memory store cleared topics of session %s", sessionID)
	return nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}

func sortTopics(m map[string]stomp.Topic) []stomp.Topic {
	topics := make([]stomp.Topic, 0, len(m))
	for _, topic := range m {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].ID < topics[j].ID })
	return topics
}
