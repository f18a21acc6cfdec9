package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"guardrail/pkg/models"
)

// Event types carried on the live stream.
const (
	TypeDecision      = "decision"
	TypePolicyUpdated = "policy_updated"
	TypeFeedUpdated   = "feed_updated"
)

type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func newEvent(eventType string, payload interface{}) Event {
	var raw json.RawMessage
	if payload != nil {
		b, _ := json.Marshal(payload)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC(), Data: raw}
}

func DecisionEvent(dec models.Decision) Event {
	return newEvent(TypeDecision, dec)
}

func PolicyEvent(pol models.Policy) Event {
	return newEvent(TypePolicyUpdated, pol)
}

func FeedEvent(cfg models.PriceFeedConfig) Event {
	return newEvent(TypeFeedUpdated, cfg)
}

// Subscription is one receiver on the hub. Close detaches it and closes C;
// closing twice is safe.
type Subscription struct {
	C <-chan Event

	id  uint64
	hub *Hub
}

func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event, and the loss is counted.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event

	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]chan Event{}}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()
	return &Subscription{C: ch, id: id, hub: h}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the total number of events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
