// Package stream fans audit events out to live websocket subscribers.
// Slow consumers lose events rather than stall the feed; per-subscriber
// drop counts are kept so operators can tell a lossy session apart from
// a quiet one.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
)

const defaultSubscriberBuffer = 32

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscriber is one live feed. Receive from C; the channel closes on
// Unsubscribe.
type Subscriber struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Int64
}

// Dropped reports how many events this subscriber missed because its
// buffer was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscriber]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscriber{C: ch, ch: ch}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes the feed. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, attached := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if attached {
		close(sub.ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of attached feeds.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// AuditSink adapts the hub into an audit sink so every security event
// reaches live subscribers alongside the durable log.
type AuditSink struct {
	Hub *Hub
}

func (s AuditSink) Write(ctx context.Context, evt audit.Event) error {
	s.Hub.Publish(NewEvent(evt.Type, evt))
	return nil
}
