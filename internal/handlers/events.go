package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"docuchat/internal/services"
)

// EventsHandler serves the server-sent-events push channel. Each connection
// registers with the connection registry and drains its write channel until
// the client goes away or the registry drops it.
type EventsHandler struct {
	registry *services.ConnectionRegistry
	metrics  *services.Metrics
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(registry *services.ConnectionRegistry, metrics *services.Metrics) *EventsHandler {
	return &EventsHandler{registry: registry, metrics: metrics}
}

// parseSubscriptions reads the comma-separated subscription list from the
// subscriptions query param, with topics accepted as a legacy alias.
func parseSubscriptions(c *fiber.Ctx) []string {
	raw := c.Query("subscriptions")
	if raw == "" {
		raw = c.Query("topics")
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Handle registers the client and streams its events as SSE frames.
// Query params: clientId (optional, server generates one when absent) and
// subscriptions (comma-separated topic list; empty subscribes to nothing
// but still receives targeted and all-connection broadcasts).
func (h *EventsHandler) Handle(c *fiber.Ctx) error {
	clientID := c.Query("clientId")
	topics := parseSubscriptions(c)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	conn := h.registry.Register(clientID, topics)
	h.metrics.RecordConnect()

	registry := h.registry
	metrics := h.metrics

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			// Identity-aware: a stale writer exiting after the client
			// re-registered must not evict the replacement connection.
			registry.UnregisterConn(conn)
			metrics.RecordDisconnect()
		}()

		for ev := range conn.WriteChan {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				log.Printf("⚠️ SSE write failed for %s: %v", conn.ID, err)
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
			metrics.RecordEvent(string(ev.Type))
		}
	}))

	return nil
}
