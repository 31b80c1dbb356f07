package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"docuchat/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry *services.ConnectionRegistry
	buffers  *services.StreamBufferService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(registry *services.ConnectionRegistry, buffers *services.StreamBufferService) *HealthHandler {
	return &HealthHandler{registry: registry, buffers: buffers}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"connections": h.registry.Count(),
		"buffers":     h.buffers.Stats(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
