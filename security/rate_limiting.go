package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in Redis. Seat acquisition runs
// through it per holder so one client cannot sweep a whole trip.
type RateLimiter struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
}

func NewRateLimiter(redisClient redis.Cmdable, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: redisClient, limit: int64(limit), window: window}
}

func rateKey(scope, id string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, id)
}

// Allow counts one call for id under scope. When Redis is unreachable the
// call is allowed; the lock store still enforces exclusion.
func (r *RateLimiter) Allow(ctx context.Context, scope, id string) (bool, error) {
	if r == nil || r.limit <= 0 {
		return true, nil
	}
	key := rateKey(scope, id)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return true, err
	}
	if count == 1 {
		r.redis.Expire(ctx, key, r.window)
	}
	return count <= r.limit, nil
}

// IsSuspiciousUserAgent flags the crawlers that have no business holding
// seats.
func IsSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
