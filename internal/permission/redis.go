package permission

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nsigner:rate:"

// countScript prunes and counts in one round trip.
var countScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`)

// reserveScript prunes, then adds ARGV[4] only while the set holds fewer
// than ARGV[2] members. Returns 1 when the member was added.
var reserveScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

// RedisWindow keeps one sorted set per app, scored by unix milliseconds.
// Several signer processes sharing a Redis see a single window per app.
type RedisWindow struct {
	client redis.UniversalClient
}

// NewRedisWindow wraps a connected client.
func NewRedisWindow(client redis.UniversalClient) *RedisWindow {
	return &RedisWindow{client: client}
}

func redisKey(appID string) string {
	return redisKeyPrefix + appID
}

func cutoffScore(now time.Time, window time.Duration) string {
	return strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
}

// Count implements RateWindow.
func (r *RedisWindow) Count(ctx context.Context, appID string, now time.Time, window time.Duration) (int, error) {
	n, err := countScript.Run(ctx, r.client, []string{redisKey(appID)}, cutoffScore(now, window)).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Record implements RateWindow.
func (r *RedisWindow) Record(ctx context.Context, appID string, now time.Time, window time.Duration) error {
	key := redisKey(appID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", cutoffScore(now, window))
		p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
		p.PExpire(ctx, key, window)
		return nil
	})
	return err
}

// Reserve implements RateWindow. The count and the add run as one script,
// so processes sharing the server cannot overrun max between them.
func (r *RedisWindow) Reserve(ctx context.Context, appID string, now time.Time, window time.Duration, max int) (string, error) {
	slot := uuid.NewString()
	added, err := reserveScript.Run(ctx, r.client, []string{redisKey(appID)},
		cutoffScore(now, window),
		max,
		now.UnixMilli(),
		slot,
		window.Milliseconds(),
	).Int()
	if err != nil {
		return "", err
	}
	if added == 0 {
		return "", nil
	}
	return slot, nil
}

// Release implements RateWindow.
func (r *RedisWindow) Release(ctx context.Context, appID, slot string) error {
	return r.client.ZRem(ctx, redisKey(appID), slot).Err()
}

// Prune implements RateWindow. Keys expire on their own; this trims live
// sets so ZCARD stays cheap.
func (r *RedisWindow) Prune(ctx context.Context, now time.Time, window time.Duration) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoffScore(now, window)).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Reset implements RateWindow.
func (r *RedisWindow) Reset(ctx context.Context, appID string) error {
	return r.client.Del(ctx, redisKey(appID)).Err()
}
