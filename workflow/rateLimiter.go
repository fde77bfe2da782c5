package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when an owner already used its quota for the
// current window. Callers redeliver the job later.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter is a fixed window counter kept in Redis. Every key gets
// limit hits per window.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration, prefix string) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// NewRecurringRateLimiter throttles materialization per owner.
func NewRecurringRateLimiter(client *redis.Client, jobsPerMinute int) *RateLimiter {
	return NewRateLimiter(client, int64(jobsPerMinute), time.Minute, "recurring:rate")
}

func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}

// Allow counts one hit for key and reports whether it is within the limit.
// The window starts at the first hit.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if rl == nil || rl.client == nil {
		return true, nil
	}
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// NX keeps the expiry of the first hit
	pipe.ExpireNX(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= rl.limit, nil
}
