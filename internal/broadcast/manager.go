// Package broadcast fans auction events out to every connected observer.
//
// Each observer owns a buffered queue. Publishing never blocks: an observer
// whose queue is full is evicted so it cannot stall the auction engine.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/models"
)

// DefaultBuffer is the per-observer queue size used when none is configured
const DefaultBuffer = 256

// Subscriber is one observer's delivery queue.
// Send is closed when the subscriber is removed or evicted.
type Subscriber struct {
	ID   string
	Role string
	Send chan models.Event
}

// Manager manages all observer queues
type Manager struct {
	mu          sync.Mutex
	buffer      int
	subscribers map[string]*Subscriber
}

// NewManager creates a new broadcast manager
func NewManager(buffer int) *Manager {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Manager{
		buffer:      buffer,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new observer. The initial events are queued ahead of
// any event published afterwards.
func (m *Manager) Subscribe(role string, initial ...models.Event) *Subscriber {
	sub := &Subscriber{
		ID:   uuid.New().String(),
		Role: role,
		Send: make(chan models.Event, m.buffer+len(initial)),
	}
	for _, ev := range initial {
		sub.Send <- ev
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers[sub.ID] = sub
	log.WithFields(log.Fields{"subscriber": sub.ID, "role": role}).Debug("Observer subscribed")
	m.broadcastLocked(m.countEventLocked())
	return sub
}

// Unsubscribe removes an observer and closes its queue.
// Removing an already evicted observer is a no-op.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscribers[sub.ID]; !ok {
		return
	}
	delete(m.subscribers, sub.ID)
	close(sub.Send)
	log.WithField("subscriber", sub.ID).Debug("Observer unsubscribed")
	m.broadcastLocked(m.countEventLocked())
}

// Publish delivers ev to every observer without blocking.
// Callers that need ordering must serialize their Publish calls.
func (m *Manager) Publish(ev models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastLocked(ev)
}

// GetSubscriberCount returns the number of connected observers
func (m *Manager) GetSubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}

func (m *Manager) broadcastLocked(ev models.Event) {
	for id, sub := range m.subscribers {
		select {
		case sub.Send <- ev:
		default:
			// queue full: evict so one slow observer never stalls the rest
			delete(m.subscribers, id)
			close(sub.Send)
			log.WithFields(log.Fields{
				"subscriber": id,
				"event":      ev.Type,
			}).Warn("Evicted slow observer")
		}
	}
}

func (m *Manager) countEventLocked() models.Event {
	return models.Event{
		ID:        uuid.New().String(),
		Type:      models.EventObserverCount,
		Timestamp: time.Now().UTC(),
		Payload:   models.ObserverCountPayload{Observers: len(m.subscribers)},
	}
}
