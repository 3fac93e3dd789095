package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cluster-scheduler/core/models"
)

const defaultBuffer = 64

// Bus fans out scheduler events to any number of subscribers.
// Publish never blocks: when a subscriber's buffer is full the oldest
// event is dropped to make room, so a slow or absent consumer cannot
// stall the scheduling loop.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan models.Event
	buffer int
	closed bool
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{buffer: defaultBuffer}
}

// Subscribe registers a new subscriber and returns its channel.
// The channel is closed when the bus is closed.
func (b *Bus) Subscribe() <-chan models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.Event, b.buffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to all subscribers without blocking
func (b *Bus) Publish(eventType models.EventType, meta map[string]interface{}) {
	evt := models.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Meta:      meta,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Buffer full: evict the oldest event and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
				log.WithField("event", eventType).Warn("Dropped event for slow subscriber")
			}
		}
	}
}

// Close closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}
