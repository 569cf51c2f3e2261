package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/storyreel/api/pkg/response"
)

// RateLimiter enforces per-IP fixed-window limits in Redis, one window per
// generation kind. A Redis outage fails open; losing rate limiting is
// better than losing the API.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit allows perHour requests per client IP for the named kind
func (m *RateLimiter) Limit(kind string, perHour int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if perHour <= 0 {
			return c.Next()
		}

		window := time.Now().Unix() / 3600
		key := fmt.Sprintf("ratelimit:%s:%s:%d", kind, c.IP(), window)

		count, err := m.redis.Incr(c.Context(), key).Result()
		if err != nil {
			return c.Next()
		}
		if count == 1 {
			m.redis.Expire(c.Context(), key, time.Hour)
		}

		if count > int64(perHour) {
			return response.RateLimited(c)
		}
		return c.Next()
	}
}
