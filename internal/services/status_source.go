package services

import (
	"context"
	"log"
	"sync"
	"time"

	"docuchat/internal/models"
	"docuchat/pkg/stream"
)

// DocumentsTopic is the push-channel topic carrying document status events.
const DocumentsTopic = "documents"

// StatusSource exposes document processing status. Set records a new
// snapshot; Watch delivers snapshots to fn until ctx is done or the document
// reaches a terminal status. How updates travel — pushed on Set or observed
// by polling — is fixed at construction and invisible to callers.
type StatusSource interface {
	Set(st models.DocumentStatus)
	Get(documentID string) (models.DocumentStatus, bool)
	Watch(ctx context.Context, documentID string, fn func(models.DocumentStatus))
}

func terminalStatus(status string) bool {
	return status == "ready" || status == "failed"
}

// statusStore is the shared map behind both source variants.
type statusStore struct {
	mu       sync.RWMutex
	statuses map[string]models.DocumentStatus
}

func newStatusStore() *statusStore {
	return &statusStore{statuses: make(map[string]models.DocumentStatus)}
}

func (s *statusStore) set(st models.DocumentStatus) {
	st.UpdatedAt = time.Now()
	s.mu.Lock()
	s.statuses[st.DocumentID] = st
	s.mu.Unlock()
}

func (s *statusStore) get(id string) (models.DocumentStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[id]
	return st, ok
}

// PushStatusSource publishes every status change onto the documents topic of
// the connection registry the moment it happens. Watch piggybacks on the same
// change notifications.
type PushStatusSource struct {
	store    *statusStore
	registry *ConnectionRegistry

	mu       sync.Mutex
	watchers map[string][]chan models.DocumentStatus
}

// NewPushStatusSource creates a push-mode source fanning out through registry.
func NewPushStatusSource(registry *ConnectionRegistry) *PushStatusSource {
	return &PushStatusSource{
		store:    newStatusStore(),
		registry: registry,
		watchers: make(map[string][]chan models.DocumentStatus),
	}
}

// Set records the snapshot and pushes it to subscribers and watchers.
func (p *PushStatusSource) Set(st models.DocumentStatus) {
	p.store.set(st)
	st, _ = p.store.get(st.DocumentID)

	ev, err := stream.NewEvent(stream.EventDocumentStatus, st, st.DocumentID)
	if err == nil {
		delivered := p.registry.Publish(DocumentsTopic, ev)
		log.Printf("📄 [STATUS] %s -> %s (%d%%), pushed to %d connections",
			st.DocumentID, st.Status, st.Progress, delivered)
	}

	p.mu.Lock()
	for _, ch := range p.watchers[st.DocumentID] {
		select {
		case ch <- st:
		default:
		}
	}
	p.mu.Unlock()
}

// Get returns the latest snapshot.
func (p *PushStatusSource) Get(documentID string) (models.DocumentStatus, bool) {
	return p.store.get(documentID)
}

// Watch delivers each change for documentID to fn until ctx is done or the
// status turns terminal.
func (p *PushStatusSource) Watch(ctx context.Context, documentID string, fn func(models.DocumentStatus)) {
	ch := make(chan models.DocumentStatus, 8)

	p.mu.Lock()
	p.watchers[documentID] = append(p.watchers[documentID], ch)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		watchers := p.watchers[documentID]
		for i, c := range watchers {
			if c == ch {
				p.watchers[documentID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}()

	if st, ok := p.store.get(documentID); ok {
		fn(st)
		if terminalStatus(st.Status) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			fn(st)
			if terminalStatus(st.Status) {
				return
			}
		}
	}
}

// PollingStatusSource reads the store on a fixed interval and reports a
// snapshot whenever it differs from the last one delivered. Polling runs for
// as long as the watcher lives, regardless of whether anything changed.
type PollingStatusSource struct {
	store    *statusStore
	interval time.Duration
}

// DefaultPollInterval is the fixed polling cadence.
const DefaultPollInterval = 2 * time.Second

// NewPollingStatusSource creates a poll-mode source.
func NewPollingStatusSource(interval time.Duration) *PollingStatusSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingStatusSource{store: newStatusStore(), interval: interval}
}

// Set records the snapshot; watchers pick it up on their next tick.
func (p *PollingStatusSource) Set(st models.DocumentStatus) {
	p.store.set(st)
}

// Get returns the latest snapshot.
func (p *PollingStatusSource) Get(documentID string) (models.DocumentStatus, bool) {
	return p.store.get(documentID)
}

// Watch polls at the fixed interval and invokes fn on every observed change
// until ctx is done or the status turns terminal.
func (p *PollingStatusSource) Watch(ctx context.Context, documentID string, fn func(models.DocumentStatus)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last models.DocumentStatus
	if st, ok := p.store.get(documentID); ok {
		fn(st)
		if terminalStatus(st.Status) {
			return
		}
		last = st
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, ok := p.store.get(documentID)
			if !ok || st == last {
				continue
			}
			fn(st)
			if terminalStatus(st.Status) {
				return
			}
			last = st
		}
	}
}
