package middleware

import (
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"priority_server/pkg/apperr"
	"priority_server/pkg/ratelimit"
)

// UserRateLimit limits requests per authenticated user (falling back to the
// client IP) with a Redis sliding window shared by all instances.
func UserRateLimit(limiter *ratelimit.SlidingWindowLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if uid, ok := c.Locals(LocalUserID).(string); ok && uid != "" {
			key = "user:" + uid
		}

		allowed, wait := limiter.Allow(c.UserContext(), key)
		c.Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		if !allowed {
			c.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return apperr.ErrRateLimited
		}
		return c.Next()
	}
}
