package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalAPIMax        int
	GlobalAPIExpiration time.Duration

	// Chat stream limits (per IP) - each request holds a connection open
	ChatStreamMax        int
	ChatStreamExpiration time.Duration

	// Push channel registration limits (per IP)
	ConnectMax        int
	ConnectExpiration time.Duration

	// Broadcast endpoint limits (per IP) - fan-out amplifies each request
	BroadcastMax        int
	BroadcastExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Global: 200/min = ~3.3 req/sec - very generous for normal use
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,

		// Chat streams: 20/min per IP
		ChatStreamMax:        20,
		ChatStreamExpiration: 1 * time.Minute,

		// Push channel (re)connections: 20/min per IP
		ConnectMax:        20,
		ConnectExpiration: 1 * time.Minute,

		// Broadcasts: 30/min per IP
		BroadcastMax:        30,
		BroadcastExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_GLOBAL_API"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GlobalAPIMax = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_CHAT_STREAM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.ChatStreamMax = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_BROADCAST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.BroadcastMax = n
		}
	}

	// Development mode: more lenient limits
	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalAPIMax = 1000
		config.ChatStreamMax = 200
		config.ConnectMax = 200
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

// limitReached writes the shared 429 shape: a Retry-After header plus a body
// the client transport can classify as a retryable rate-limit error.
func limitReached(message string, window time.Duration) func(*fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		seconds := int(window.Seconds())
		c.Set("Retry-After", strconv.Itoa(seconds))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":      message,
			"code":       fiber.StatusTooManyRequests,
			"retryable":  true,
			"retryAfter": seconds,
		})
	}
}

// GlobalAPIRateLimiter creates a rate limiter for all API requests
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GlobalAPIMax,
		Expiration: config.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Global limit reached for IP: %s", c.IP())
			return limitReached("Too many requests. Please slow down.", config.GlobalAPIExpiration)(c)
		},
		SkipFailedRequests:     false,
		SkipSuccessfulRequests: false,
	})
}

// ChatStreamRateLimiter limits chat stream starts per IP
func ChatStreamRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ChatStreamMax,
		Expiration: config.ChatStreamExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "chat:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Chat stream limit reached for IP: %s", c.IP())
			return limitReached("Too many chat requests. Please wait before sending more.", config.ChatStreamExpiration)(c)
		},
	})
}

// ConnectRateLimiter limits push channel registration attempts per IP
func ConnectRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ConnectMax,
		Expiration: config.ConnectExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "connect:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Connection limit reached for IP: %s", c.IP())
			return limitReached("Too many connection attempts. Please wait before reconnecting.", config.ConnectExpiration)(c)
		},
	})
}

// BroadcastRateLimiter limits broadcast requests per IP
func BroadcastRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.BroadcastMax,
		Expiration: config.BroadcastExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "broadcast:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Broadcast limit reached for IP: %s", c.IP())
			return limitReached("Too many broadcast requests.", config.BroadcastExpiration)(c)
		},
	})
}
