// Package redis persists reliability scorer state in a Redis hash.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/quake-consensus-service/internal/reliability"
)

// DefaultKey is the hash holding one field per source.
const DefaultKey = "quake-consensus:reliability"

// Store implements reliability.Store.
type Store struct {
	client *redis.Client
	key    string
}

// NewStore creates a store writing to the given hash key.
func NewStore(client *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Load reads every persisted source state. Fields that fail to decode are
// skipped.
func (s *Store) Load(ctx context.Context) (map[string]reliability.State, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load reliability state: %w", err)
	}
	out := make(map[string]reliability.State, len(fields))
	for id, raw := range fields {
		var st reliability.State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out[id] = st
	}
	return out, nil
}

// Save writes one source's state.
func (s *Store) Save(ctx context.Context, sourceID string, st reliability.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal reliability state: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, sourceID, data).Err(); err != nil {
		return fmt.Errorf("save reliability state: %w", err)
	}
	return nil
}

// Ping checks connectivity, for readiness.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
