package pidcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache is the optional distributed backend, useful when the
// reconciler's own process may not be the one that later needs the cached
// targeting data (e.g. a horizontally scaled deployment). Keys expire on
// their own after ttl rather than requiring an explicit Drop on every path,
// since a reconciliation that errors partway through must not leak entries
// forever.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a Cache backed by the given *redis.Client.
func NewRedis(client *redis.Client, ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisCache{client: client, ttl: ttl}
}

func key(requestID, host string) string {
	return fmt.Sprintf("profctl:pidcache:%s:%s", requestID, host)
}

func (c *redisCache) Set(ctx context.Context, requestID, host string, pids []int) error {
	data, err := json.Marshal(pids)
	if err != nil {
		return fmt.Errorf("pidcache: marshal: %w", err)
	}
	return c.client.Set(ctx, key(requestID, host), data, c.ttl).Err()
}

func (c *redisCache) Get(ctx context.Context, requestID, host string) ([]int, bool, error) {
	data, err := c.client.Get(ctx, key(requestID, host)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pidcache: get: %w", err)
	}
	var pids []int
	if err := json.Unmarshal(data, &pids); err != nil {
		return nil, false, fmt.Errorf("pidcache: unmarshal: %w", err)
	}
	return pids, true, nil
}

func (c *redisCache) Drop(ctx context.Context, requestID string) error {
	match := fmt.Sprintf("profctl:pidcache:%s:*", requestID)
	iter := c.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("pidcache: delete %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}
