package httpmiddleware

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a fixed-window counter shared by every API process.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisWindow allows limit requests per key per window.
func NewRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = "presenza:ratelimit"
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisWindow{client: client, prefix: prefix, limit: int64(limit), window: window}
}

// Allow increments the key's counter for the current window. The TTL is read in the same
// transaction, and a key found without one gets it on this call.
func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	k := l.prefix + ":" + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		ttl = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return false, err
	}
	// -1 means the key exists without an expiry.
	if ttl.Val() < 0 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, err
		}
	}
	return incr.Val() <= l.limit, nil
}
