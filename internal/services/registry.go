package services

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"docuchat/internal/models"
	"docuchat/pkg/stream"
)

// Registry timing defaults. The liveness timeout is 2x the heartbeat
// interval: a connection that misses two heartbeats is gone.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second
)

// ConnectionRegistry holds the set of currently-open push connections and
// their topic subscriptions, and delivers events to one connection or fans
// out to all. Delivery is at-most-once, best-effort per connection: a dead
// or slow connection is dropped, never retried — the owning client is
// expected to reconnect and re-register with a fresh id.
type ConnectionRegistry struct {
	connections map[string]*models.PushConnection
	mutex       sync.RWMutex

	heartbeatInterval time.Duration
	livenessTimeout   time.Duration
	sweepTick         *time.Ticker
	done              chan struct{}
	closeOnce         sync.Once
}

// NewConnectionRegistry creates a registry and starts its background sweep.
func NewConnectionRegistry(heartbeatInterval, sweepInterval time.Duration) *ConnectionRegistry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	r := &ConnectionRegistry{
		connections:       make(map[string]*models.PushConnection),
		heartbeatInterval: heartbeatInterval,
		livenessTimeout:   2 * heartbeatInterval,
		sweepTick:         time.NewTicker(sweepInterval),
		done:              make(chan struct{}),
	}
	go r.sweepLoop()
	log.Printf("📡 [REGISTRY] Connection registry started (heartbeat: %v, liveness timeout: %v)",
		r.heartbeatInterval, r.livenessTimeout)
	return r
}

// Register creates and stores a connection and acknowledges it with a
// system_status event. Re-registering an existing id replaces the prior
// entry. An empty id gets a server-generated one.
func (r *ConnectionRegistry) Register(id string, topics []string) *models.PushConnection {
	if id == "" {
		id = uuid.New().String()
	}

	conn := models.NewPushConnection(id, topics)

	r.mutex.Lock()
	if prior, exists := r.connections[id]; exists {
		r.closeLocked(prior)
	}
	r.connections[id] = conn
	total := len(r.connections)
	r.mutex.Unlock()

	log.Printf("✅ [REGISTRY] Connection registered: %s topics=%v (total: %d)", id, conn.Topics(), total)

	ack, err := stream.NewEvent(stream.EventSystemStatus, stream.SystemStatusData{
		Status:   "connected",
		ClientID: id,
		Topics:   conn.Topics(),
	}, id)
	if err == nil {
		r.trySend(conn, ack)
	}

	go r.heartbeatLoop(conn)
	return conn
}

// Unregister removes whatever connection currently holds id. Delivery paths
// that observed a failure on a specific connection must use UnregisterConn
// instead, or they can evict a replacement that reused the same id.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mutex.Lock()
	conn, exists := r.connections[id]
	if exists {
		r.closeLocked(conn)
		delete(r.connections, id)
	}
	total := len(r.connections)
	r.mutex.Unlock()

	if exists {
		log.Printf("❌ [REGISTRY] Connection removed: %s (total: %d)", id, total)
	}
}

// UnregisterConn closes conn and removes it from the registry only if it is
// still the registered connection for its id. A stale handler or a failed
// write racing a re-register therefore never evicts the replacement.
func (r *ConnectionRegistry) UnregisterConn(conn *models.PushConnection) {
	if conn == nil {
		return
	}
	r.mutex.Lock()
	r.closeLocked(conn)
	removed := false
	if current, exists := r.connections[conn.ID]; exists && current == conn {
		delete(r.connections, conn.ID)
		removed = true
	}
	total := len(r.connections)
	r.mutex.Unlock()

	if removed {
		log.Printf("❌ [REGISTRY] Connection removed: %s (total: %d)", conn.ID, total)
	}
}

// closeLocked tears a connection down. Caller holds the registry mutex.
func (r *ConnectionRegistry) closeLocked(conn *models.PushConnection) {
	conn.Mutex.Lock()
	open := conn.Open
	conn.Open = false
	conn.Mutex.Unlock()
	if open {
		close(conn.Done)
		close(conn.WriteChan)
	}
}

// heartbeatLoop sends a periodic no-op event on an independent per-connection
// timer to keep intermediary proxies from closing the channel. Each
// successful heartbeat refreshes the liveness timestamp; a failed one
// removes the connection.
func (r *ConnectionRegistry) heartbeatLoop(conn *models.PushConnection) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done:
			return
		case <-ticker.C:
			ev, err := stream.NewEvent(stream.EventHeartbeat, nil, conn.ID)
			if err != nil {
				continue
			}
			if !r.trySend(conn, ev) {
				log.Printf("💔 [REGISTRY] Heartbeat failed for %s, removing", conn.ID)
				r.UnregisterConn(conn)
				return
			}
		}
	}
}

// trySend enqueues an event without blocking. A full buffer means the
// consumer is too slow or gone; that counts as a write failure. Recovers
// from a concurrently closed channel.
func (r *ConnectionRegistry) trySend(conn *models.PushConnection, ev stream.Event) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()

	select {
	case conn.WriteChan <- ev:
		conn.Touch()
		return true
	default:
		return false
	}
}

// Publish fans an event out to every open connection subscribed to topic, or
// to all connections when topic is empty. A write failure on one connection
// removes that connection but never aborts delivery to the rest. Returns the
// number of connections delivered to. Cross-connection delivery order is
// undefined.
func (r *ConnectionRegistry) Publish(topic string, ev stream.Event) int {
	conns := r.snapshot()

	delivered := 0
	for _, conn := range conns {
		if topic != "" && !conn.SubscribedTo(topic) {
			continue
		}
		if r.trySend(conn, ev) {
			delivered++
		} else {
			log.Printf("⚠️ [REGISTRY] Write failed for %s during publish, removing", conn.ID)
			r.UnregisterConn(conn)
		}
	}
	return delivered
}

// PublishTo delivers an event only to the named connection ids.
func (r *ConnectionRegistry) PublishTo(ids []string, ev stream.Event) int {
	delivered := 0
	for _, id := range ids {
		r.mutex.RLock()
		conn, exists := r.connections[id]
		r.mutex.RUnlock()
		if !exists {
			continue
		}
		if r.trySend(conn, ev) {
			delivered++
		} else {
			r.UnregisterConn(conn)
		}
	}
	return delivered
}

// snapshot copies the current connection set so fan-out and sweeping never
// iterate the live map while it is being mutated.
func (r *ConnectionRegistry) snapshot() []*models.PushConnection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conns := make([]*models.PushConnection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of open connections.
func (r *ConnectionRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.connections)
}

// sweepLoop periodically evicts connections that have outlived the liveness
// timeout.
func (r *ConnectionRegistry) sweepLoop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.sweepTick.C:
			r.sweep()
		}
	}
}

// sweep snapshots the connection ids first, then closes and removes every
// connection whose liveness age exceeds the timeout.
func (r *ConnectionRegistry) sweep() {
	conns := r.snapshot()

	evicted := 0
	for _, conn := range conns {
		if conn.LivenessAge() > r.livenessTimeout {
			r.UnregisterConn(conn)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("🧹 [REGISTRY] Sweep evicted %d stale connections (%d active)", evicted, r.Count())
	}
}

// Shutdown stops the sweep and closes every connection.
func (r *ConnectionRegistry) Shutdown() {
	r.closeOnce.Do(func() { close(r.done) })
	r.sweepTick.Stop()

	for _, conn := range r.snapshot() {
		r.UnregisterConn(conn)
	}
	log.Println("📡 [REGISTRY] Connection registry shut down")
}
