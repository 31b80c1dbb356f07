package services

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"docuchat/pkg/stream"
)

// Stream buffer limits for production safety
const (
	MaxChunksPerBuffer = 10000   // Prevent memory exhaustion
	MaxBufferSize      = 1 << 20 // 1MB max per buffer
	DefaultBufferTTL   = 2 * time.Minute
	CleanupInterval    = 30 * time.Second
)

// Error types for stream buffer operations
var (
	ErrBufferNotFound     = errors.New("stream buffer not found")
	ErrBufferFull         = errors.New("stream buffer full: max chunks exceeded")
	ErrBufferSizeExceeded = errors.New("stream buffer size exceeded")
	ErrResumeTooFast      = errors.New("resume rate limit exceeded")
)

// StreamBuffer holds the token chunks and structured events of one in-flight
// message so a reconnecting client can catch up.
type StreamBuffer struct {
	MessageID     string
	ClientID      string
	Chunks        []string       // buffered token text
	PendingEvents []stream.Event // artefacts, search results etc. to replay
	TotalSize     int
	IsComplete    bool
	FullContent   string // full transcript once complete
	CreatedAt     time.Time
	LastChunkAt   time.Time
	ResumeCount   int
	resumeLimit   *rate.Limiter // prevent rapid resume spam
	mutex         sync.Mutex
}

// StreamBufferService buffers live streams for disconnected clients.
type StreamBufferService struct {
	buffers     map[string]*StreamBuffer // messageID -> buffer
	mutex       sync.RWMutex
	ttl         time.Duration
	cleanupTick *time.Ticker
	done        chan struct{}
}

// NewStreamBufferService creates a new stream buffer service
func NewStreamBufferService() *StreamBufferService {
	svc := &StreamBufferService{
		buffers:     make(map[string]*StreamBuffer),
		ttl:         DefaultBufferTTL,
		cleanupTick: time.NewTicker(CleanupInterval),
		done:        make(chan struct{}),
	}
	go svc.cleanupLoop()
	log.Println("📦 StreamBufferService initialized")
	return svc
}

// cleanupLoop periodically removes expired buffers
func (s *StreamBufferService) cleanupLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.cleanupTick.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired buffers
func (s *StreamBufferService) cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	expired := 0
	for id, buf := range s.buffers {
		if now.Sub(buf.CreatedAt) > s.ttl {
			delete(s.buffers, id)
			expired++
		}
	}
	if expired > 0 {
		log.Printf("📦 Cleaned up %d expired buffers, %d active", expired, len(s.buffers))
	}
}

// Shutdown gracefully shuts down the service
func (s *StreamBufferService) Shutdown() {
	close(s.done)
	s.cleanupTick.Stop()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.buffers = nil
	log.Println("📦 StreamBufferService shutdown complete")
}

// CreateBuffer creates a new buffer for a message stream
func (s *StreamBufferService) CreateBuffer(messageID, clientID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// If buffer already exists, don't overwrite (prevents race conditions)
	if _, exists := s.buffers[messageID]; exists {
		return
	}

	s.buffers[messageID] = &StreamBuffer{
		MessageID:     messageID,
		ClientID:      clientID,
		Chunks:        make([]string, 0, 100),
		PendingEvents: make([]stream.Event, 0, 8),
		CreatedAt:     time.Now(),
		LastChunkAt:   time.Now(),
		resumeLimit:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	log.Printf("📦 Buffer created for message %s (client: %s)", messageID, clientID)
}

// AppendChunk adds token text to the buffer
func (s *StreamBufferService) AppendChunk(messageID, chunk string) error {
	s.mutex.RLock()
	buf, exists := s.buffers[messageID]
	s.mutex.RUnlock()

	if !exists {
		// Buffer doesn't exist - normal when the client never disconnected
		return nil
	}

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	if len(buf.Chunks) >= MaxChunksPerBuffer {
		log.Printf("⚠️ Buffer full for message %s (max chunks: %d)", messageID, MaxChunksPerBuffer)
		return ErrBufferFull
	}
	if buf.TotalSize+len(chunk) > MaxBufferSize {
		log.Printf("⚠️ Buffer size exceeded for message %s (max: %d bytes)", messageID, MaxBufferSize)
		return ErrBufferSizeExceeded
	}

	buf.Chunks = append(buf.Chunks, chunk)
	buf.TotalSize += len(chunk)
	buf.LastChunkAt = time.Now()

	return nil
}

// AppendEvent buffers a structured event (artefact, search results) that must
// not be lost across a reconnect.
func (s *StreamBufferService) AppendEvent(messageID string, ev stream.Event) error {
	s.mutex.RLock()
	buf, exists := s.buffers[messageID]
	s.mutex.RUnlock()

	if !exists {
		return nil
	}

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	if len(buf.PendingEvents) >= 50 {
		log.Printf("⚠️ Too many pending events for message %s", messageID)
		return ErrBufferFull
	}

	buf.PendingEvents = append(buf.PendingEvents, ev)
	buf.LastChunkAt = time.Now()
	return nil
}

// MarkComplete marks the buffer as complete with the full transcript
func (s *StreamBufferService) MarkComplete(messageID, fullContent string) {
	s.mutex.RLock()
	buf, exists := s.buffers[messageID]
	s.mutex.RUnlock()

	if !exists {
		return
	}

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	buf.IsComplete = true
	buf.FullContent = fullContent
	log.Printf("📦 Buffer marked complete for message %s (size: %d bytes)", messageID, len(fullContent))
}

// ClearBuffer removes a buffer after successful resume
func (s *StreamBufferService) ClearBuffer(messageID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.buffers[messageID]; exists {
		delete(s.buffers, messageID)
		log.Printf("📦 Buffer cleared for message %s", messageID)
	}
}

// HasBuffer checks if a buffer exists for a message
func (s *StreamBufferService) HasBuffer(messageID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, exists := s.buffers[messageID]
	return exists
}

// Stats returns aggregate counters for the health endpoint.
func (s *StreamBufferService) Stats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	totalChunks := 0
	totalSize := 0
	for _, buf := range s.buffers {
		buf.mutex.Lock()
		totalChunks += len(buf.Chunks)
		totalSize += buf.TotalSize
		buf.mutex.Unlock()
	}

	return map[string]interface{}{
		"active_buffers": len(s.buffers),
		"total_chunks":   totalChunks,
		"total_size":     totalSize,
	}
}

// BufferData is the snapshot handed to the resume path.
type BufferData struct {
	MessageID      string
	ClientID       string
	CombinedChunks string
	IsComplete     bool
	ChunkCount     int
	PendingEvents  []stream.Event
}

// GetBufferData safely retrieves buffer data for resume operations
func (s *StreamBufferService) GetBufferData(messageID string) (*BufferData, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	buf, exists := s.buffers[messageID]
	if !exists {
		return nil, ErrBufferNotFound
	}

	// Rate limit: 1 resume per second
	if !buf.resumeLimit.Allow() {
		return nil, ErrResumeTooFast
	}

	buf.ResumeCount++

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	var combined strings.Builder
	for _, chunk := range buf.Chunks {
		combined.WriteString(chunk)
	}

	pending := make([]stream.Event, len(buf.PendingEvents))
	copy(pending, buf.PendingEvents)

	log.Printf("📦 Buffer retrieved for message %s (resume #%d, chunks: %d)",
		messageID, buf.ResumeCount, len(buf.Chunks))

	return &BufferData{
		MessageID:      buf.MessageID,
		ClientID:       buf.ClientID,
		CombinedChunks: combined.String(),
		IsComplete:     buf.IsComplete,
		ChunkCount:     len(buf.Chunks),
		PendingEvents:  pending,
	}, nil
}
