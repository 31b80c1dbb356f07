package models

import "time"

// ChatRequest is one prompt plus the selected context identifiers.
type ChatRequest struct {
	Prompt      string   `json:"prompt"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	MessageID   string   `json:"message_id,omitempty"` // server-generated if absent
}

// ClientMessage represents a message from a websocket client.
type ClientMessage struct {
	Type        string   `json:"type"` // "chat_message", "cancel", "ping", "resume_stream" or "watch_document"
	Prompt      string   `json:"prompt,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	DocumentID  string   `json:"document_id,omitempty"` // for watch_document
}

// BroadcastRequest is the body of the broadcast endpoint.
type BroadcastRequest struct {
	Type          string      `json:"type"`
	Data          interface{} `json:"data"`
	Topic         string      `json:"topic,omitempty"`
	TargetClients []string    `json:"targetClients,omitempty"`
}

// DocumentStatus is a snapshot of a document's processing state, delivered
// either over the push channel or by polling.
type DocumentStatus struct {
	DocumentID string    `json:"document_id"`
	Status     string    `json:"status"` // "uploading", "processing", "embedding", "ready" or "failed"
	Progress   int       `json:"progress"`
	UpdatedAt  time.Time `json:"updated_at"`
}
