package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cardreader/internal/ratelimit/models"
)

// RedisBucketStore keeps one sorted set per key, scored by hit time in
// milliseconds, so several bridge instances behind one proxy share limits.
type RedisBucketStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBucketStore(client redis.UniversalClient, prefix string) *RedisBucketStore {
	if prefix == "" {
		prefix = "cardreader:rl:"
	}
	return &RedisBucketStore{client: client, prefix: prefix}
}

// allowScript trims the window, checks capacity and records cost hits atomically.
// Returns {allowed, count, oldest_ms}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local member = ARGV[5]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count + cost <= limit then
  for i = 1, cost do
    redis.call('ZADD', key, now, member .. ':' .. i)
  end
  count = count + cost
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then oldestScore = tonumber(oldest[2]) end
return {allowed, count, oldestScore}
`)

func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	return s.AllowN(ctx, key, 1, limit, window)
}

func (s *RedisBucketStore) AllowN(ctx context.Context, key string, cost int, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := time.Now()
	res, err := allowScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, cost, uuid.NewString()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis rate limit: unexpected reply length %d", len(res))
	}
	resetAt := time.UnixMilli(res[2]).Add(window)
	if res[0] == 0 {
		return (&models.RateLimitResult{Allowed: false, Limit: limit, ResetAt: resetAt}).WithRetryAfter(now), nil
	}
	return &models.RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(res[1]),
		ResetAt:   resetAt,
	}, nil
}

func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis rate limit reset: %w", err)
	}
	return nil
}

// GetCurrentCount may include hits that expired since the last Allow on key.
func (s *RedisBucketStore) GetCurrentCount(ctx context.Context, key string) (int, error) {
	n, err := s.client.ZCard(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis rate limit count: %w", err)
	}
	return int(n), nil
}
