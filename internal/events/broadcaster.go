// Package events fans file change notifications out to SSE subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/muawin/muawin/internal/metrics"
	"github.com/muawin/muawin/pkg/protocol"
)

// Filter decides whether a subscriber may see an event.
type Filter func(protocol.Event) bool

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan protocol.Event]Filter
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan protocol.Event]Filter),
	}
}

// Subscribe adds a subscriber that receives events accepted by filter
// (all events when filter is nil). The caller must call Unsubscribe.
func (b *Broadcaster) Subscribe(filter Filter) chan protocol.Event {
	ch := make(chan protocol.Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = filter
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan protocol.Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all interested subscribers. Non-blocking:
// drops events for slow consumers.
func (b *Broadcaster) Publish(event protocol.Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subscribers {
		if filter != nil && !filter(event) {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// WriteSSE writes one event in text/event-stream framing.
func WriteSSE(w io.Writer, e protocol.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
