package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

const (
	cartKeyPrefix = "cart:"
	payloadField  = "payload"
	versionField  = "version"
)

// Returns the new version, or -1 when the stored version differs from ARGV[2]
var saveSnapshotScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'version')
if not current then
	current = 0
else
	current = tonumber(current)
end

if current ~= expected then
	return -1
end

redis.call('HSET', key, 'payload', ARGV[1], 'version', current + 1)
return current + 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Load(ctx context.Context, key string) (domain.Cart, error) {
	values, err := r.client.HMGet(ctx, redisKey(key), payloadField, versionField).Result()
	if err != nil {
		return domain.Cart{}, fmt.Errorf("redis hmget: %w", err)
	}

	payload, _ := values[0].(string)
	rawVersion, _ := values[1].(string)
	if payload == "" && rawVersion == "" {
		return domain.Cart{}, nil
	}

	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("%w: version %q", port.ErrCorruptSnapshot, rawVersion)
	}
	return decodeSnapshot([]byte(payload), version)
}

func (r *RedisAdapter) Save(ctx context.Context, key string, cart domain.Cart) (int64, error) {
	payload, err := encodeSnapshot(cart)
	if err != nil {
		return 0, err
	}

	version, err := saveSnapshotScript.Run(ctx, r.client, []string{redisKey(key)}, string(payload), cart.Version).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis save snapshot: %w", err)
	}
	if version < 0 {
		return 0, port.ErrVersionConflict
	}

	return version, nil
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Delete drops the snapshot for key. Missing keys are not an error.
func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func redisKey(key string) string {
	return cartKeyPrefix + key
}
