package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestWithStream_AttachesStreamFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	WithStream("msg-1", "client-1").Error("chat stream failed", "error", "boom")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Failed to parse log output: %v", err)
	}
	if record["message_id"] != "msg-1" {
		t.Errorf("Expected message_id msg-1, got %v", record["message_id"])
	}
	if record["client_id"] != "client-1" {
		t.Errorf("Expected client_id client-1, got %v", record["client_id"])
	}
	if record["error"] != "boom" {
		t.Errorf("Expected error field to pass through, got %v", record["error"])
	}
}
