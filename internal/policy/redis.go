package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	projectPrefix = "project:"
	queryTimeout  = 500 * time.Millisecond
)

// RedisProjectStore is the Redis-backed ProjectStore. Projects are JSON
// blobs at project:<id>, written by the (external) console.
type RedisProjectStore struct {
	client *redis.Client
}

// NewRedisProjectStore wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisProjectStore(client *redis.Client) *RedisProjectStore {
	return &RedisProjectStore{client: client}
}

// Get implements ProjectStore.
func (s *RedisProjectStore) Get(ctx context.Context, id string) (*Project, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, projectPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("policy: GET project %s: %w", id, err)
	}

	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("policy: decode project %s: %w", id, err)
	}
	return &p, nil
}

// Put writes a project record. The console owns project management; this
// exists for seeding and tests.
func (s *RedisProjectStore) Put(ctx context.Context, p *Project) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: encode project %s: %w", p.ID, err)
	}
	if err := s.client.Set(ctx, projectPrefix+p.ID, raw, 0).Err(); err != nil {
		return fmt.Errorf("policy: SET project %s: %w", p.ID, err)
	}
	return nil
}
