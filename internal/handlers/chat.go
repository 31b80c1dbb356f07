package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"docuchat/internal/logging"
	"docuchat/internal/models"
	"docuchat/internal/services"
	"docuchat/pkg/errclass"
	"docuchat/pkg/stream"
)

// ChatHandler serves the chat stream endpoint: one POST, one newline-delimited
// JSON event stream back.
type ChatHandler struct {
	producer *services.ChatStreamProducer
	buffers  *services.StreamBufferService
	metrics  *services.Metrics
}

// NewChatHandler creates a new chat handler
func NewChatHandler(producer *services.ChatStreamProducer, buffers *services.StreamBufferService, metrics *services.Metrics) *ChatHandler {
	return &ChatHandler{producer: producer, buffers: buffers, metrics: metrics}
}

// Handle streams chat events for one request as application/x-ndjson.
// Validation failures are rejected with a plain 400 before the stream starts;
// failures mid-stream degrade to a terminal error event inside the stream.
func (h *ChatHandler) Handle(c *fiber.Ctx) error {
	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":     "Invalid request body",
			"code":      fiber.StatusBadRequest,
			"retryable": false,
		})
	}
	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}

	if _, verr := h.producer.Validate(req); verr != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":     verr.Error(),
			"code":      fiber.StatusBadRequest,
			"retryable": false,
		})
	}

	c.Set("Content-Type", "application/x-ndjson")
	c.Set("Cache-Control", "no-cache")
	c.Set("X-Accel-Buffering", "no") // disable proxy buffering

	producer := h.producer
	buffers := h.buffers
	metrics := h.metrics
	// The fiber ctx is not safe inside the detached stream writer.
	streamLog := logging.WithStream(req.MessageID, c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		started := time.Now()
		metrics.RecordStreamStart()
		defer func() { metrics.RecordStreamEnd(time.Since(started).Seconds()) }()

		buffers.CreateBuffer(req.MessageID, "")

		sink := newBufferedSink(w, buffers, metrics)
		if err := producer.Stream(context.Background(), req, sink); err != nil {
			var classified *errclass.Classified
			if errors.As(err, &classified) {
				metrics.RecordStreamError(string(classified.Kind))
			} else {
				metrics.RecordStreamError(string(errclass.KindProcessing))
			}
			streamLog.Error("chat stream failed", "error", err)
		}
		buffers.MarkComplete(req.MessageID, sink.transcript.String())
	}))

	return nil
}

// bufferedSink writes each event as one JSON line, flushing per event so the
// client sees tokens as they are produced, and mirrors the stream into the
// resume buffer.
type bufferedSink struct {
	w          *bufio.Writer
	buffers    *services.StreamBufferService
	metrics    *services.Metrics
	transcript strings.Builder
}

func newBufferedSink(w *bufio.Writer, buffers *services.StreamBufferService, metrics *services.Metrics) *bufferedSink {
	return &bufferedSink{w: w, buffers: buffers, metrics: metrics}
}

// Emit implements services.EventSink.
func (s *bufferedSink) Emit(ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.metrics.RecordEvent(string(ev.Type))

	switch ev.Type {
	case stream.EventToken:
		if tok, err := ev.Token(); err == nil {
			s.transcript.WriteString(tok)
			if err := s.buffers.AppendChunk(ev.MessageID, tok); err != nil {
				log.Printf("⚠️ Buffer append failed for %s: %v", ev.MessageID, err)
			}
		}
	case stream.EventArtefact, stream.EventSearchResults:
		if err := s.buffers.AppendEvent(ev.MessageID, ev); err != nil {
			log.Printf("⚠️ Buffer append failed for %s: %v", ev.MessageID, err)
		}
	}
	return nil
}
