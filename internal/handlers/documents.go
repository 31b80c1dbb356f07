package handlers

import (
	"github.com/gofiber/fiber/v2"

	"docuchat/internal/models"
	"docuchat/internal/services"
)

// DocumentsHandler serves document processing status: the polling read used
// by clients without a push channel, and the write used by the ingestion
// pipeline.
type DocumentsHandler struct {
	statuses services.StatusSource
}

// NewDocumentsHandler creates a new documents handler
func NewDocumentsHandler(statuses services.StatusSource) *DocumentsHandler {
	return &DocumentsHandler{statuses: statuses}
}

// Status returns the latest processing status snapshot for a document.
func (h *DocumentsHandler) Status(c *fiber.Ctx) error {
	id := c.Params("id")
	st, ok := h.statuses.Get(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":     "document not found",
			"code":      fiber.StatusNotFound,
			"retryable": false,
		})
	}
	return c.JSON(st)
}

// UpdateStatus records a new status snapshot. In push mode the source fans it
// out to subscribers immediately; in poll mode watchers see it on their next
// tick.
func (h *DocumentsHandler) UpdateStatus(c *fiber.Ctx) error {
	var body struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":     "Invalid request body",
			"code":      fiber.StatusBadRequest,
			"retryable": false,
		})
	}
	if body.Status == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":     "status is required",
			"code":      fiber.StatusBadRequest,
			"retryable": false,
		})
	}

	st := models.DocumentStatus{
		DocumentID: c.Params("id"),
		Status:     body.Status,
		Progress:   body.Progress,
	}
	h.statuses.Set(st)
	return c.JSON(fiber.Map{"ok": true})
}
