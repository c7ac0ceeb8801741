package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript admits when the counter is below the cap and starts the
// window TTL on the first admission. Denials leave the counter untouched.
var takeScript = redis.NewScript(`
	local key = KEYS[1]
	local max = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	if current >= max then
		return {0, current, redis.call('PTTL', key)}
	end

	local n = redis.call('INCR', key)
	if n == 1 then redis.call('PEXPIRE', key, ttl) end
	return {1, n, redis.call('PTTL', key)}
`)

// RedisStore shares windows across processes.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis connects and pings before returning.
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisStore) Take(ctx context.Context, key string, now time.Time, ttl time.Duration, max int) (int, bool, time.Time, error) {
	result, err := takeScript.Run(ctx, r.client, []string{key}, max, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, time.Time{}, fmt.Errorf("rate limiter Redis operation failed: %w", err)
	}
	if len(result) != 3 {
		return 0, false, time.Time{}, fmt.Errorf("invalid rate limiter response format")
	}
	allowed, _ := result[0].(int64)
	count, _ := result[1].(int64)
	pttl, _ := result[2].(int64)
	if pttl < 0 {
		pttl = ttl.Milliseconds()
	}
	return int(count), allowed == 1, now.Add(time.Duration(pttl) * time.Millisecond), nil
}
