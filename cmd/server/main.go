package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"docuchat/internal/config"
	"docuchat/internal/handlers"
	"docuchat/internal/logging"
	"docuchat/internal/middleware"
	"docuchat/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting DocuChat Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, status mode: %s)", cfg.Port, cfg.StatusMode)

	// Connect to Redis (optional - enables cross-instance broadcast)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		log.Println("🔗 Connecting to Redis...")
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Invalid REDIS_URL: %v (cross-instance broadcast disabled)", err)
		} else {
			client := redis.NewClient(opts)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := client.Ping(ctx).Err(); err != nil {
				log.Printf("⚠️ Failed to connect to Redis: %v (cross-instance broadcast disabled)", err)
			} else {
				redisClient = client
				log.Println("✅ Redis connected successfully")
			}
			cancel()
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - cross-instance broadcast disabled")
	}

	// Initialize core services
	registry := services.NewConnectionRegistry(cfg.HeartbeatInterval, cfg.SweepInterval)

	metrics := services.InitMetrics(registry)
	log.Println("✅ Prometheus metrics initialized")

	searchService := services.NewSearchService(cfg.CorpusPath)
	if cfg.CacheDir != "" {
		if err := searchService.EnablePersistentCache(cfg.CacheDir); err != nil {
			log.Printf("⚠️ Persistent search cache disabled: %v", err)
		}
	}
	stopWatch, err := searchService.Watch()
	if err != nil {
		log.Printf("⚠️ Corpus watcher disabled: %v", err)
		stopWatch = func() {}
	}

	producer := services.NewChatStreamProducer(searchService, services.NewKeywordClassifier(), services.PacingConfig{
		TokenDelay: cfg.TokenDelay,
	})
	log.Println("✅ Chat stream producer initialized")

	buffers := services.NewStreamBufferService()

	// Document status delivery mode is fixed at startup
	var statuses services.StatusSource
	if cfg.StatusMode == "poll" {
		statuses = services.NewPollingStatusSource(cfg.PollInterval)
		log.Printf("📄 Document status source: polling every %v", cfg.PollInterval)
	} else {
		statuses = services.NewPushStatusSource(registry)
		log.Println("📄 Document status source: push")
	}

	// Cross-instance pub/sub bridge (nil when Redis is unavailable)
	bridge := services.NewPubSubBridge(redisClient, registry)
	if err := bridge.Start(); err != nil {
		log.Printf("⚠️ Failed to start pub/sub bridge: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "DocuChat v1.0",
		ReadTimeout:  300 * time.Second, // streams stay open for the whole generation
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  300 * time.Second,
		BodyLimit:    5 * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("docuchat")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Chat=%d/min, Connect=%d/min, Broadcast=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.ChatStreamMax,
		rateLimitConfig.ConnectMax,
		rateLimitConfig.BroadcastMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))
	log.Printf("🔒 [SECURITY] CORS allowed origins: %s", allowedOrigins)

	// Global API rate limiter - first line of defense
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(registry, buffers)
	chatHandler := handlers.NewChatHandler(producer, buffers, metrics)
	eventsHandler := handlers.NewEventsHandler(registry, metrics)
	broadcastHandler := handlers.NewBroadcastHandler(registry, bridge, metrics)
	documentsHandler := handlers.NewDocumentsHandler(statuses)
	wsHandler := handlers.NewWebSocketHandler(producer, buffers, statuses, metrics)

	// Routes
	app.Get("/health", healthHandler.Handle)

	app.Post("/api/chat/stream", middleware.ChatStreamRateLimiter(rateLimitConfig), chatHandler.Handle)

	app.Get("/api/events", middleware.ConnectRateLimiter(rateLimitConfig), eventsHandler.Handle)

	app.Post("/api/broadcast", middleware.BroadcastRateLimiter(rateLimitConfig), broadcastHandler.Handle)

	app.Get("/api/documents/:id/status", middleware.CacheControl(30*time.Second), documentsHandler.Status)
	app.Post("/api/documents/:id/status", documentsHandler.UpdateStatus)

	// WebSocket route
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	wsConfig := websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}
	app.Use("/ws/chat", middleware.ConnectRateLimiter(rateLimitConfig))
	app.Get("/ws/chat", websocket.New(wsHandler.Handle, wsConfig))

	// Start server
	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🔗 WebSocket endpoint: ws://localhost:%s/ws/chat", cfg.Port)
	log.Printf("📡 SSE endpoint: http://localhost:%s/api/events", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		stopWatch()
		buffers.Shutdown()
		registry.Shutdown()

		if err := bridge.Stop(); err != nil {
			log.Printf("⚠️ Error stopping pub/sub bridge: %v", err)
		}
		if redisClient != nil {
			redisClient.Close()
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
