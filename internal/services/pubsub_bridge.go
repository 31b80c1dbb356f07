package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docuchat/pkg/stream"
)

const broadcastChannel = "docuchat:broadcast"

// bridgeMessage is the cross-instance wire envelope. InstanceID lets a node
// skip the echo of its own publishes.
type bridgeMessage struct {
	InstanceID string       `json:"instanceId"`
	Topic      string       `json:"topic,omitempty"`
	Event      stream.Event `json:"event"`
}

// PubSubBridge relays broadcast events between server instances over Redis
// pub/sub. Every method is nil-receiver safe, so single-instance deployments
// just pass a nil bridge around.
type PubSubBridge struct {
	client     *redis.Client
	registry   *ConnectionRegistry
	pubsub     *redis.PubSub
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPubSubBridge creates a bridge. Returns nil when client is nil.
func NewPubSubBridge(client *redis.Client, registry *ConnectionRegistry) *PubSubBridge {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubBridge{
		client:     client,
		registry:   registry,
		instanceID: uuid.New().String(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for cross-instance broadcasts.
func (b *PubSubBridge) Start() error {
	if b == nil {
		return nil
	}

	b.pubsub = b.client.Subscribe(b.ctx, broadcastChannel)

	// Wait for subscription confirmation
	if _, err := b.pubsub.Receive(b.ctx); err != nil {
		return err
	}

	go b.processMessages()

	log.Printf("✅ [PUBSUB] Cross-instance bridge started (instance: %s)", b.instanceID)
	return nil
}

func (b *PubSubBridge) processMessages() {
	ch := b.pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

func (b *PubSubBridge) handleMessage(msg *redis.Message) {
	var message bridgeMessage
	if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal message: %v", err)
		return
	}

	// Skip messages from this instance (avoid loops)
	if message.InstanceID == b.instanceID {
		return
	}

	delivered := b.registry.Publish(message.Topic, message.Event)
	log.Printf("📡 [PUBSUB] Relayed %s event from peer to %d local connections", message.Event.Type, delivered)
}

// Publish sends an event to every peer instance for local fan-out there.
// The local registry is not touched; callers publish locally themselves.
func (b *PubSubBridge) Publish(ctx context.Context, topic string, ev stream.Event) error {
	if b == nil {
		return nil
	}

	data, err := json.Marshal(bridgeMessage{
		InstanceID: b.instanceID,
		Topic:      topic,
		Event:      ev,
	})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, broadcastChannel, data).Err()
}

// Stop closes the subscription.
func (b *PubSubBridge) Stop() error {
	if b == nil {
		return nil
	}
	b.cancel()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
