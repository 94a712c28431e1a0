package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/setof/checkout-pipeline/internal/port"
)

const (
	stockKeyPrefix = "stock:counter:"
	stockKeyTTL    = 24 * time.Hour
)

// Decrement only when the key exists and holds enough quantity, so the
// check-and-decrement is a single server-side operation.
var decrementStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return 0
end

current = tonumber(current)
if current >= quantity then
	redis.call('DECRBY', key, quantity)
	return 1
end

return 0
`)

// Delete only when the lock is still owned by the presented token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) DecrementStock(ctx context.Context, stockID string, quantity int) (bool, error) {
	key := stockKeyPrefix + stockID

	result, err := decrementStockScript.Run(ctx, r.client, []string{key}, quantity).Int()
	if err != nil {
		return false, fmt.Errorf("decrement stock %s: %w", stockID, err)
	}

	return result == 1, nil
}

func (r *RedisAdapter) IncrementStock(ctx context.Context, stockID string, quantity int) error {
	key := stockKeyPrefix + stockID
	if err := r.client.IncrBy(ctx, key, int64(quantity)).Err(); err != nil {
		return fmt.Errorf("increment stock %s: %w", stockID, err)
	}
	return nil
}

// SetStock seeds the counter from the authoritative relational stock row.
// The TTL forces a periodic re-sync.
func (r *RedisAdapter) SetStock(ctx context.Context, stockID string, quantity int) error {
	key := stockKeyPrefix + stockID
	return r.client.Set(ctx, key, quantity, stockKeyTTL).Err()
}

func (r *RedisAdapter) GetStock(ctx context.Context, stockID string) (int, error) {
	key := stockKeyPrefix + stockID
	return r.client.Get(ctx, key).Int()
}

func (r *RedisAdapter) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

func (r *RedisAdapter) Release(ctx context.Context, key, token string) error {
	deleted, err := releaseLockScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if deleted == 0 {
		return fmt.Errorf("release lock %s: %w", key, port.ErrLockNotHeld)
	}
	return nil
}
