package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "apikey:"
	queryTimeout = 500 * time.Millisecond
)

// RedisKeyStore is the Redis-backed KeyStore. Each key is a hash at
// apikey:<sha256hex> with fields id, project_id, prefix, status and
// last_used_at, plus a reverse index apikey:id:<id> → <sha256hex> so the
// last-used stamp can address the record by key id.
type RedisKeyStore struct {
	client *redis.Client
}

// NewRedisKeyStore wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisKeyStore(client *redis.Client) *RedisKeyStore {
	return &RedisKeyStore{client: client}
}

// GetByHash implements KeyStore.
func (s *RedisKeyStore) GetByHash(ctx context.Context, hashHex string) (*ApiKey, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, keyPrefix+hashHex).Result()
	if err != nil {
		return nil, fmt.Errorf("auth: HGETALL: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrInvalidKey
	}

	key := &ApiKey{
		ID:        fields["id"],
		KeyHash:   hashHex,
		Prefix:    fields["prefix"],
		Status:    fields["status"],
		ProjectID: fields["project_id"],
	}
	if raw := fields["last_used_at"]; raw != "" {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			key.LastUsedAt = t
		}
	}
	return key, nil
}

// TouchLastUsed implements KeyStore. Single HSET on the key's record —
// idempotent and safe under concurrent writers.
func (s *RedisKeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	hashHex, err := s.client.Get(ctx, keyPrefix+"id:"+keyID).Result()
	if err != nil {
		return fmt.Errorf("auth: resolve key id %s: %w", keyID, err)
	}
	if err := s.client.HSet(ctx, keyPrefix+hashHex, "last_used_at", at.Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("auth: HSET last_used_at: %w", err)
	}
	return nil
}

// Put writes a full key record (both the hash record and the id index).
// The console owns key creation; this exists for seeding and tests.
func (s *RedisKeyStore) Put(ctx context.Context, key *ApiKey) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	record := map[string]any{
		"id":         key.ID,
		"project_id": key.ProjectID,
		"prefix":     key.Prefix,
		"status":     key.Status,
	}
	if !key.LastUsedAt.IsZero() {
		record["last_used_at"] = key.LastUsedAt.Format(time.RFC3339Nano)
	}
	if err := s.client.HSet(ctx, keyPrefix+key.KeyHash, record).Err(); err != nil {
		return fmt.Errorf("auth: HSET key: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+"id:"+key.ID, key.KeyHash, 0).Err(); err != nil {
		return fmt.Errorf("auth: SET key index: %w", err)
	}
	return nil
}

// SetStatus updates a key's status field.
func (s *RedisKeyStore) SetStatus(ctx context.Context, keyID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	hashHex, err := s.client.Get(ctx, keyPrefix+"id:"+keyID).Result()
	if err != nil {
		return fmt.Errorf("auth: resolve key id %s: %w", keyID, err)
	}
	if err := s.client.HSet(ctx, keyPrefix+hashHex, "status", status).Err(); err != nil {
		return fmt.Errorf("auth: HSET status: %w", err)
	}
	return nil
}
