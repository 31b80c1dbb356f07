package models

import (
	"sync"
	"time"

	"docuchat/pkg/stream"
)

// PushConnection represents one open push channel to a browser session.
// Owned exclusively by the ConnectionRegistry; no other component mutates it.
type PushConnection struct {
	ID               string
	SubscribedTopics map[string]struct{}
	LastLivenessAt   time.Time
	Open             bool
	CreatedAt        time.Time

	// WriteChan is drained by the channel's writer goroutine; the registry
	// closes it on unregister.
	WriteChan chan stream.Event

	// Done stops the per-connection heartbeat loop.
	Done chan struct{}

	Mutex sync.Mutex
}

// NewPushConnection creates a connection subscribed to the given topics.
func NewPushConnection(id string, topics []string) *PushConnection {
	subs := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t != "" {
			subs[t] = struct{}{}
		}
	}
	now := time.Now()
	return &PushConnection{
		ID:               id,
		SubscribedTopics: subs,
		LastLivenessAt:   now,
		CreatedAt:        now,
		Open:             true,
		WriteChan:        make(chan stream.Event, 64),
		Done:             make(chan struct{}),
	}
}

// SubscribedTo reports whether the connection subscribes to topic.
func (c *PushConnection) SubscribedTo(topic string) bool {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	_, ok := c.SubscribedTopics[topic]
	return ok
}

// Topics returns the subscribed topic list.
func (c *PushConnection) Topics() []string {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	out := make([]string, 0, len(c.SubscribedTopics))
	for t := range c.SubscribedTopics {
		out = append(out, t)
	}
	return out
}

// Touch refreshes the liveness timestamp after a successful write.
func (c *PushConnection) Touch() {
	c.Mutex.Lock()
	c.LastLivenessAt = time.Now()
	c.Mutex.Unlock()
}

// LivenessAge returns the time since the last successful write.
func (c *PushConnection) LivenessAge() time.Duration {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	return time.Since(c.LastLivenessAt)
}
