package handlers

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docuchat/internal/models"
	"docuchat/internal/services"
	"docuchat/pkg/stream"
)

// BroadcastHandler accepts server-side fan-out requests: deliver one event to
// every subscriber of a topic, to everyone, or to a named set of clients.
type BroadcastHandler struct {
	registry *services.ConnectionRegistry
	bridge   *services.PubSubBridge
	metrics  *services.Metrics
}

// NewBroadcastHandler creates a new broadcast handler
func NewBroadcastHandler(registry *services.ConnectionRegistry, bridge *services.PubSubBridge, metrics *services.Metrics) *BroadcastHandler {
	return &BroadcastHandler{registry: registry, bridge: bridge, metrics: metrics}
}

// Handle fans the posted event out. Targeted delivery (targetClients) wins
// over topic delivery; an empty topic means every connection.
func (h *BroadcastHandler) Handle(c *fiber.Ctx) error {
	var req models.BroadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":     "Invalid request body",
			"code":      fiber.StatusBadRequest,
			"retryable": false,
		})
	}
	if req.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":     "type is required",
			"code":      fiber.StatusBadRequest,
			"retryable": false,
		})
	}

	ev, err := stream.NewEvent(stream.EventType(req.Type), req.Data, uuid.New().String())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":     "data is not serializable",
			"code":      fiber.StatusBadRequest,
			"retryable": false,
		})
	}

	h.metrics.RecordBroadcast()

	var delivered int
	if len(req.TargetClients) > 0 {
		delivered = h.registry.PublishTo(req.TargetClients, ev)
	} else {
		delivered = h.registry.Publish(req.Topic, ev)

		// Topic broadcasts also go to peer instances; targeted clients are
		// local by definition.
		if err := h.bridge.Publish(c.Context(), req.Topic, ev); err != nil {
			log.Printf("⚠️ [BROADCAST] Cross-instance publish failed: %v", err)
		}
	}

	h.metrics.RecordEvent(string(ev.Type))
	log.Printf("📢 [BROADCAST] %s event delivered to %d connections (topic: %q)", req.Type, delivered, req.Topic)

	return c.JSON(fiber.Map{
		"delivered": delivered,
		"event":     json.RawMessage(mustMarshal(ev)),
	})
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
