package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"futures-keeper/internal/ratelimit"
)

// RedisStore keeps the counter table as a single JSON string under one key.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ ratelimit.Store = (*RedisStore)(nil)

// OpenRedis connects to addr and verifies the connection with PING.
func OpenRedis(ctx context.Context, addr string, db int, key string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(client, key), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Save replaces the stored table.
func (s *RedisStore) Save(ctx context.Context, entries map[string]ratelimit.Entry) error {
	if entries == nil {
		entries = map[string]ratelimit.Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Load reads the stored table. A missing key yields an empty table.
func (s *RedisStore) Load(ctx context.Context) (map[string]ratelimit.Entry, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]ratelimit.Entry{}, nil
		}
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return decodeTable(data)
}
