package handlers

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"docuchat/internal/logging"
	"docuchat/internal/models"
	"docuchat/internal/services"
	"docuchat/pkg/stream"
)

const (
	wsReadDeadline  = 90 * time.Second
	wsWriteDeadline = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

// WebSocketHandler handles the duplex websocket channel: chat requests in,
// event streams out, plus stream resume and document status watching.
type WebSocketHandler struct {
	producer *services.ChatStreamProducer
	buffers  *services.StreamBufferService
	statuses services.StatusSource
	metrics  *services.Metrics
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(producer *services.ChatStreamProducer, buffers *services.StreamBufferService, statuses services.StatusSource, metrics *services.Metrics) *WebSocketHandler {
	return &WebSocketHandler{producer: producer, buffers: buffers, statuses: statuses, metrics: metrics}
}

// wsSession is the per-connection state: the outbound queue and the cancel
// functions of streams started over this socket.
type wsSession struct {
	connID    string
	conn      *websocket.Conn
	writeChan chan stream.Event
	done      chan struct{}

	mu      sync.Mutex
	streams map[string]context.CancelFunc // messageID -> cancel
	watches map[string]context.CancelFunc // documentID -> cancel
}

// Handle handles a new WebSocket connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	sess := &wsSession{
		connID:    uuid.New().String(),
		conn:      c,
		writeChan: make(chan stream.Event, 100),
		done:      make(chan struct{}),
		streams:   make(map[string]context.CancelFunc),
		watches:   make(map[string]context.CancelFunc),
	}

	h.metrics.RecordConnect()
	log.Printf("🔌 WebSocket connected: %s", sess.connID)

	defer func() {
		close(sess.done)
		sess.cancelAll()
		h.metrics.RecordDisconnect()
		log.Printf("🔌 WebSocket disconnected: %s", sess.connID)
	}()

	c.SetReadDeadline(time.Now().Add(wsReadDeadline))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	go h.pingLoop(sess)
	go h.writeLoop(sess)

	if ack, err := stream.NewEvent(stream.EventSystemStatus, stream.SystemStatusData{
		Status:   "connected",
		ClientID: sess.connID,
	}, sess.connID); err == nil {
		sess.writeChan <- ack
	}

	h.readLoop(sess)
}

// pingLoop keeps the socket alive through idle stretches.
func (h *WebSocketHandler) pingLoop(sess *wsSession) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			sess.mu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteDeadline))
			sess.mu.Unlock()
			if err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", sess.connID, err)
				return
			}
		}
	}
}

// writeLoop serializes all outbound events onto the socket.
func (h *WebSocketHandler) writeLoop(sess *wsSession) {
	for {
		select {
		case <-sess.done:
			return
		case ev := <-sess.writeChan:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			sess.mu.Lock()
			sess.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			err = sess.conn.WriteMessage(websocket.TextMessage, data)
			sess.mu.Unlock()
			if err != nil {
				log.Printf("⚠️ WebSocket write failed for %s: %v", sess.connID, err)
				return
			}
			h.metrics.RecordEvent(string(ev.Type))
		}
	}
}

// readLoop handles incoming messages from the client
func (h *WebSocketHandler) readLoop(sess *wsSession) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			log.Printf("⚠️  Invalid message format from %s: %v", sess.connID, err)
			h.sendError(sess, "", "Invalid message format")
			continue
		}

		switch clientMsg.Type {
		case "ping":
			if ev, err := stream.NewEvent(stream.EventHeartbeat, nil, sess.connID); err == nil {
				sess.writeChan <- ev
			}
		case "chat_message":
			h.handleChatMessage(sess, clientMsg)
		case "cancel":
			h.handleCancel(sess, clientMsg)
		case "resume_stream":
			h.handleResumeStream(sess, clientMsg)
		case "watch_document":
			h.handleWatchDocument(sess, clientMsg)
		default:
			log.Printf("⚠️  Unknown message type: %s", clientMsg.Type)
		}
	}
}

// handleChatMessage starts a stream whose events flow back over the socket.
func (h *WebSocketHandler) handleChatMessage(sess *wsSession, msg models.ClientMessage) {
	req := models.ChatRequest{
		Prompt:      msg.Prompt,
		DocumentIDs: msg.DocumentIDs,
		MessageID:   msg.MessageID,
	}
	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}

	if _, verr := h.producer.Validate(req); verr != nil {
		h.sendError(sess, req.MessageID, verr.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.mu.Lock()
	if prior, exists := sess.streams[req.MessageID]; exists {
		prior()
	}
	sess.streams[req.MessageID] = cancel
	sess.mu.Unlock()

	h.buffers.CreateBuffer(req.MessageID, sess.connID)
	h.metrics.RecordStreamStart()

	go func() {
		started := time.Now()
		defer func() {
			cancel()
			sess.mu.Lock()
			delete(sess.streams, req.MessageID)
			sess.mu.Unlock()
			h.metrics.RecordStreamEnd(time.Since(started).Seconds())
		}()

		sink := &wsSink{sess: sess, buffers: h.buffers}
		if err := h.producer.Stream(ctx, req, sink); err != nil && ctx.Err() == nil {
			logging.WithStream(req.MessageID, sess.connID).Error("chat stream failed", "error", err)
		}
		h.buffers.MarkComplete(req.MessageID, sink.transcript.String())
	}()
}

// handleCancel stops one stream, or every stream of the session when no
// message id is given.
func (h *WebSocketHandler) handleCancel(sess *wsSession, msg models.ClientMessage) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if msg.MessageID != "" {
		if cancel, exists := sess.streams[msg.MessageID]; exists {
			cancel()
			delete(sess.streams, msg.MessageID)
			log.Printf("🛑 Stream cancelled: %s", msg.MessageID)
		}
		return
	}
	for id, cancel := range sess.streams {
		cancel()
		delete(sess.streams, id)
	}
}

// handleResumeStream replays what was buffered for a message after a
// reconnect: the combined token text, any structured events, and the terminal
// marker if the stream finished while the client was away.
func (h *WebSocketHandler) handleResumeStream(sess *wsSession, msg models.ClientMessage) {
	if msg.MessageID == "" {
		h.sendError(sess, "", "message_id is required for resume")
		return
	}

	data, err := h.buffers.GetBufferData(msg.MessageID)
	if err != nil {
		h.sendError(sess, msg.MessageID, err.Error())
		return
	}
	h.metrics.RecordResume()

	if data.CombinedChunks != "" {
		if ev, err := stream.NewEvent(stream.EventToken, data.CombinedChunks, msg.MessageID); err == nil {
			sess.writeChan <- ev
		}
	}
	for _, ev := range data.PendingEvents {
		sess.writeChan <- ev
	}
	if data.IsComplete {
		if ev, err := stream.NewEvent(stream.EventComplete, nil, msg.MessageID); err == nil {
			sess.writeChan <- ev
		}
		h.buffers.ClearBuffer(msg.MessageID)
	}

	log.Printf("🔁 Stream resumed: %s (%d chunks, complete: %v)", msg.MessageID, data.ChunkCount, data.IsComplete)
}

// handleWatchDocument streams document status changes over the socket until
// the document reaches a terminal status or the socket closes.
func (h *WebSocketHandler) handleWatchDocument(sess *wsSession, msg models.ClientMessage) {
	if msg.DocumentID == "" {
		h.sendError(sess, "", "document_id is required for watch_document")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.mu.Lock()
	if prior, exists := sess.watches[msg.DocumentID]; exists {
		prior()
	}
	sess.watches[msg.DocumentID] = cancel
	sess.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			sess.mu.Lock()
			delete(sess.watches, msg.DocumentID)
			sess.mu.Unlock()
		}()

		h.statuses.Watch(ctx, msg.DocumentID, func(st models.DocumentStatus) {
			if ev, err := stream.NewEvent(stream.EventDocumentStatus, st, st.DocumentID); err == nil {
				select {
				case sess.writeChan <- ev:
				case <-sess.done:
				}
			}
		})
	}()
}

func (h *WebSocketHandler) sendError(sess *wsSession, messageID, message string) {
	if ev, err := stream.NewEvent(stream.EventError, message, messageID); err == nil {
		select {
		case sess.writeChan <- ev:
		default:
		}
	}
}

// cancelAll tears down every stream and watch of the session.
func (s *wsSession) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.streams {
		cancel()
		delete(s.streams, id)
	}
	for id, cancel := range s.watches {
		cancel()
		delete(s.watches, id)
	}
}

// wsSink forwards producer events onto the session write channel and mirrors
// them into the resume buffer.
type wsSink struct {
	sess       *wsSession
	buffers    *services.StreamBufferService
	transcript strings.Builder
}

// Emit implements services.EventSink.
func (s *wsSink) Emit(ev stream.Event) error {
	select {
	case s.sess.writeChan <- ev:
	case <-s.sess.done:
		return context.Canceled
	}

	switch ev.Type {
	case stream.EventToken:
		if tok, err := ev.Token(); err == nil {
			s.transcript.WriteString(tok)
			s.buffers.AppendChunk(ev.MessageID, tok)
		}
	case stream.EventArtefact, stream.EventSearchResults:
		s.buffers.AppendEvent(ev.MessageID, ev)
	}
	return nil
}
