package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// CacheControl marks GET responses as cacheable for maxAge, with a
// stale-while-revalidate window of twice that so clients can serve the stale
// copy while they refresh in the background.
func CacheControl(maxAge time.Duration) fiber.Handler {
	value := fmt.Sprintf("public, max-age=%d, stale-while-revalidate=%d",
		int(maxAge.Seconds()), int((2 * maxAge).Seconds()))

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodGet {
			c.Set("Cache-Control", value)
		}
		return c.Next()
	}
}
