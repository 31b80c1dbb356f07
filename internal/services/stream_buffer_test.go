package services

import (
	"strings"
	"testing"
	"time"

	"docuchat/pkg/stream"
)

func TestStreamBuffer_CreateAndAppend(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")
	if !svc.HasBuffer("msg-1") {
		t.Fatal("Buffer should exist after creation")
	}

	for _, chunk := range []string{"Hello ", "streaming ", "world"} {
		if err := svc.AppendChunk("msg-1", chunk); err != nil {
			t.Fatalf("AppendChunk failed: %v", err)
		}
	}

	data, err := svc.GetBufferData("msg-1")
	if err != nil {
		t.Fatalf("GetBufferData failed: %v", err)
	}
	if data.CombinedChunks != "Hello streaming world" {
		t.Errorf("Expected combined chunks, got %q", data.CombinedChunks)
	}
	if data.ChunkCount != 3 {
		t.Errorf("Expected 3 chunks, got %d", data.ChunkCount)
	}
	if data.ClientID != "client-1" {
		t.Errorf("Expected client-1, got %s", data.ClientID)
	}
	if data.IsComplete {
		t.Error("Buffer should not be complete yet")
	}
}

func TestStreamBuffer_CreateDoesNotOverwrite(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")
	svc.AppendChunk("msg-1", "existing content")

	// A duplicate create keeps the original buffer.
	svc.CreateBuffer("msg-1", "client-2")

	data, err := svc.GetBufferData("msg-1")
	if err != nil {
		t.Fatalf("GetBufferData failed: %v", err)
	}
	if data.ClientID != "client-1" {
		t.Errorf("Duplicate create overwrote owner: got %s", data.ClientID)
	}
	if data.ChunkCount != 1 {
		t.Errorf("Duplicate create dropped chunks: got %d", data.ChunkCount)
	}
}

func TestStreamBuffer_AppendWithoutBuffer(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	// Appending to a nonexistent buffer is a no-op, not an error.
	if err := svc.AppendChunk("unknown", "chunk"); err != nil {
		t.Errorf("AppendChunk to unknown buffer should be silent, got %v", err)
	}
}

func TestStreamBuffer_MarkCompleteAndClear(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")
	svc.AppendChunk("msg-1", "partial")
	svc.MarkComplete("msg-1", "the full transcript")

	data, err := svc.GetBufferData("msg-1")
	if err != nil {
		t.Fatalf("GetBufferData failed: %v", err)
	}
	if !data.IsComplete {
		t.Error("Buffer should be complete")
	}

	svc.ClearBuffer("msg-1")
	if svc.HasBuffer("msg-1") {
		t.Error("Buffer should be gone after clear")
	}
	if _, err := svc.GetBufferData("msg-1"); err != ErrBufferNotFound {
		t.Errorf("Expected ErrBufferNotFound, got %v", err)
	}
}

func TestStreamBuffer_ChunkLimit(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")

	svc.mutex.RLock()
	buf := svc.buffers["msg-1"]
	svc.mutex.RUnlock()
	buf.Chunks = make([]string, MaxChunksPerBuffer)

	if err := svc.AppendChunk("msg-1", "one too many"); err != ErrBufferFull {
		t.Errorf("Expected ErrBufferFull, got %v", err)
	}
}

func TestStreamBuffer_SizeLimit(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")

	svc.mutex.RLock()
	buf := svc.buffers["msg-1"]
	svc.mutex.RUnlock()
	buf.TotalSize = MaxBufferSize - 10

	if err := svc.AppendChunk("msg-1", strings.Repeat("x", 11)); err != ErrBufferSizeExceeded {
		t.Errorf("Expected ErrBufferSizeExceeded, got %v", err)
	}
	// A chunk that still fits is accepted.
	if err := svc.AppendChunk("msg-1", strings.Repeat("x", 10)); err != nil {
		t.Errorf("Chunk within the limit rejected: %v", err)
	}
}

func TestStreamBuffer_PendingEvents(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")

	ev, err := stream.NewEvent(stream.EventArtefact, stream.Artefact{
		ID: "a1", Type: "moa", Title: "Mechanism of Action", Status: "ready",
	}, "msg-1")
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := svc.AppendEvent("msg-1", ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	data, err := svc.GetBufferData("msg-1")
	if err != nil {
		t.Fatalf("GetBufferData failed: %v", err)
	}
	if len(data.PendingEvents) != 1 {
		t.Fatalf("Expected 1 pending event, got %d", len(data.PendingEvents))
	}
	if data.PendingEvents[0].Type != stream.EventArtefact {
		t.Errorf("Expected artefact event, got %s", data.PendingEvents[0].Type)
	}
}

func TestStreamBuffer_ResumeRateLimit(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")

	if _, err := svc.GetBufferData("msg-1"); err != nil {
		t.Fatalf("First resume failed: %v", err)
	}
	if _, err := svc.GetBufferData("msg-1"); err != ErrResumeTooFast {
		t.Errorf("Expected ErrResumeTooFast on rapid resume, got %v", err)
	}
}

func TestStreamBuffer_Cleanup(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()
	svc.ttl = 10 * time.Millisecond

	svc.CreateBuffer("old", "client-1")
	time.Sleep(30 * time.Millisecond)
	svc.CreateBuffer("new", "client-1")

	svc.cleanup()

	if svc.HasBuffer("old") {
		t.Error("Expired buffer survived cleanup")
	}
	if !svc.HasBuffer("new") {
		t.Error("Fresh buffer removed by cleanup")
	}
}

func TestStreamBuffer_Stats(t *testing.T) {
	svc := NewStreamBufferService()
	defer svc.Shutdown()

	svc.CreateBuffer("msg-1", "client-1")
	svc.AppendChunk("msg-1", "hello")
	svc.AppendChunk("msg-1", " world")

	stats := svc.Stats()
	if stats["active_buffers"] != 1 {
		t.Errorf("Expected 1 active buffer, got %v", stats["active_buffers"])
	}
	if stats["total_chunks"] != 2 {
		t.Errorf("Expected 2 chunks, got %v", stats["total_chunks"])
	}
	if stats["total_size"] != len("hello world") {
		t.Errorf("Expected size %d, got %v", len("hello world"), stats["total_size"])
	}
}
