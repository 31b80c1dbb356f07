// Package stream implements the chat event wire protocol and the client-side
// transport that reads it. Events are newline-delimited JSON objects sharing
// one envelope regardless of delivery mechanism (chunked body, SSE, websocket).
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the payload carried by an event envelope.
type EventType string

const (
	EventStatus        EventType = "status"
	EventToken         EventType = "token"
	EventArtefact      EventType = "artefact"
	EventSearchResults EventType = "search_results"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"

	// Push-channel housekeeping events (registry-originated, never part of a
	// chat stream).
	EventHeartbeat      EventType = "heartbeat"
	EventSystemStatus   EventType = "system_status"
	EventDocumentStatus EventType = "document_status"
)

// Terminal reports whether no further events are valid for the same messageId
// after this type.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is the wire envelope: one JSON object per line, newline-terminated.
// MessageID groups all events of one stream; events sharing a MessageID are
// strictly ordered as emitted.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// NewEvent builds an envelope, marshaling payload into the data field.
func NewEvent(t EventType, payload interface{}, messageID string) (Event, error) {
	ev := Event{
		Type:      t,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// StatusData is the payload of a "status" event marking a phase transition.
type StatusData struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Progress int    `json:"progress,omitempty"` // 0-100
}

// Artefact is a derived insight card. Artefact events are whole-value
// snapshots, not deltas.
type Artefact struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"` // "moa", "safety" or "kol"
	Title    string                 `json:"title"`
	Bullets  []string               `json:"bullets"`
	Status   string                 `json:"status"` // "generating" or "ready"
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Source is one ranked article hit.
type Source struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Journal string  `json:"journal,omitempty"`
	Year    int     `json:"year,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score"`
}

// SearchResultsData carries the full result set of a search branch plus a
// synthesized natural-language summary.
type SearchResultsData struct {
	Sources    []Source `json:"sources"`
	Summary    string   `json:"summary"`
	Query      string   `json:"query"`
	TotalCount int      `json:"totalCount"`
}

// SystemStatusData acknowledges a push-channel registration.
type SystemStatusData struct {
	Status   string   `json:"status"`
	ClientID string   `json:"clientId"`
	Topics   []string `json:"topics,omitempty"`
}

// Status decodes a status payload.
func (e Event) Status() (StatusData, error) {
	var d StatusData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// Token decodes a token payload: an opaque text fragment to be concatenated
// in arrival order.
func (e Event) Token() (string, error) {
	var s string
	err := json.Unmarshal(e.Data, &s)
	return s, err
}

// Artefact decodes an artefact payload.
func (e Event) Artefact() (Artefact, error) {
	var a Artefact
	err := json.Unmarshal(e.Data, &a)
	return a, err
}

// SearchResults decodes a search_results payload.
func (e Event) SearchResults() (SearchResultsData, error) {
	var d SearchResultsData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// ErrorMessage decodes an error payload (a human-readable string).
func (e Event) ErrorMessage() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return string(e.Data)
	}
	return s
}
