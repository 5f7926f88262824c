package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cinelog/cinelog-sync/internal/config"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisCache{Client: redis.NewClient(opts)}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.Client.Del(ctx, key).Err()
}

// cursorTTL bounds how long an idle change cursor lives.
const cursorTTL = time.Hour

// ChangeCursorKey generates the Redis key for a user's change cursor:
// the max updated_at (unix millis) across that user's synced records.
func (c *RedisCache) ChangeCursorKey(userID string) string {
	return fmt.Sprintf("sync:cursor:%s", userID)
}

// GetChangeCursor returns the cached change cursor for a user, or
// (0, false) on a cache miss. A hit lets a pull whose watermark is
// already current skip the database entirely.
func (c *RedisCache) GetChangeCursor(ctx context.Context, userID string) (int64, bool, error) {
	val, err := c.Client.Get(ctx, c.ChangeCursorKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil // cache miss
	} else if err != nil {
		return 0, false, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil // treat a corrupted value as a miss
	}
	// refresh TTL on access
	_ = c.Client.Expire(ctx, c.ChangeCursorKey(userID), cursorTTL).Err()
	return ms, true, nil
}

// advanceCursorScript is a compare-and-set: the cursor only moves forward.
// It runs server-side in one step so two concurrent writers racing through
// a read-then-write cannot leave the cursor at the older of their stamps,
// which would make the pull short-circuit withhold the newer record.
var advanceCursorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]))
local ts = tonumber(ARGV[1])
if cur == nil or ts > cur then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return 1
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 0
`)

// AdvanceChangeCursor moves the cached cursor forward to ts (unix millis)
// if it is ahead of the stored value. The cursor never moves backward, so
// a reordered write cannot hide a newer change from pullers.
func (c *RedisCache) AdvanceChangeCursor(ctx context.Context, userID string, ts int64) error {
	return advanceCursorScript.Run(ctx, c.Client,
		[]string{c.ChangeCursorKey(userID)},
		ts, int(cursorTTL.Seconds())).Err()
}

// DropChangeCursor removes the cached cursor, forcing the next pull to
// consult the database. Used after account deletion.
func (c *RedisCache) DropChangeCursor(ctx context.Context, userID string) error {
	return c.Del(ctx, c.ChangeCursorKey(userID))
}
