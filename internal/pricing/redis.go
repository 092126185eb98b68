package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pricePrefix  = "price:"
	queryTimeout = 500 * time.Millisecond
)

// RedisTable is the Redis-backed price table. Rows for one (provider, model)
// live in a sorted set at price:<provider>:<model>, scored by the
// effective-from unix timestamp; members are JSON rows. LatestActive scans
// newest-first for the first active row.
type RedisTable struct {
	client *redis.Client
}

// NewRedisTable wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisTable(client *redis.Client) *RedisTable {
	return &RedisTable{client: client}
}

// LatestActive implements Table.
func (t *RedisTable) LatestActive(ctx context.Context, provider, model string) (*PriceRow, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	members, err := t.client.ZRevRange(ctx, priceKey(provider, model), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pricing: ZREVRANGE %s/%s: %w", provider, model, err)
	}

	for _, m := range members {
		var row PriceRow
		if err := json.Unmarshal([]byte(m), &row); err != nil {
			continue
		}
		if row.Active {
			return &row, nil
		}
	}
	return nil, ErrNoPriceRow
}

// Put inserts a price row. Seeding and tests only — the console owns the
// price table in production.
func (t *RedisTable) Put(ctx context.Context, row *PriceRow) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("pricing: encode row: %w", err)
	}
	err = t.client.ZAdd(ctx, priceKey(row.Provider, row.Model), redis.Z{
		Score:  float64(row.EffectiveFrom.Unix()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("pricing: ZADD %s/%s: %w", row.Provider, row.Model, err)
	}
	return nil
}

func priceKey(provider, model string) string {
	return pricePrefix + provider + ":" + model
}
