package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// releaseScript deletes the lock and its metadata only while the caller's
// token still owns the lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1], KEYS[2])
end
return 0
`)

// RedisBackend implements Backend with SET NX PX on a shared Redis, which
// lets several hosts serialize updates of the same deployment.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// Ensure interface compliance.
var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and verifies the connection with PING.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Address, err)
	}

	return NewRedisBackendWithClient(client, cfg.Prefix), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) lockKey(key string) string {
	return r.prefix + key
}

func (r *RedisBackend) metaKey(key string) string {
	return r.prefix + key + ":meta"
}

func (r *RedisBackend) TryLock(
	ctx context.Context, rec *Record, ttl time.Duration,
) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(rec.Key), rec.Token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis set nx: %w", err)
	}

	if !ok {
		return false, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encoding lock record: %w", err)
	}

	if err := r.client.Set(ctx, r.metaKey(rec.Key), data, ttl).Err(); err != nil {
		_ = r.client.Del(ctx, r.lockKey(rec.Key)).Err()

		return false, fmt.Errorf("writing lock metadata: %w", err)
	}

	return true, nil
}

func (r *RedisBackend) Unlock(ctx context.Context, key, token string) error {
	keys := []string{r.lockKey(key), r.metaKey(key)}

	if err := releaseScript.Run(ctx, r.client, keys, token).Err(); err != nil &&
		!errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}

	return nil
}

func (r *RedisBackend) Metadata(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.metaKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding lock metadata: %w", err)
	}

	return &rec, nil
}
