package api

import (
	"sync"

	"mss/internal/counter"
	"mss/internal/model"
)

// Event is a change to one subscription, as streamed to watchers.
type Event struct {
	Type           string         `json:"type"`
	SubscriptionID string         `json:"subscriptionId"`
	Counters       model.Counters `json:"counters"`
}

// EventSnapshot is the first frame a watcher receives.
const EventSnapshot = "counters.snapshot"

// Watcher fans subscription events out to interested listeners.
type Watcher interface {
	Subscribe(subscriptionID string) chan Event
	Unsubscribe(subscriptionID string, ch chan Event)
	Publish(subscriptionID string, evt Event)
}

// Hub is the in-process Watcher. Slow listeners miss events rather than
// block publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // subscription id -> set of channels
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(subscriptionID string) chan Event {
	ch := make(chan Event, 8)
	h.mu.Lock()
	if h.subs[subscriptionID] == nil {
		h.subs[subscriptionID] = map[chan Event]struct{}{}
	}
	h.subs[subscriptionID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(subscriptionID string, ch chan Event) {
	h.mu.Lock()
	m := h.subs[subscriptionID]
	_, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(h.subs, subscriptionID)
		}
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) Publish(subscriptionID string, evt Event) {
	h.mu.Lock()
	for ch := range h.subs[subscriptionID] {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}

// Notifier turns registry and router notifications into watch events
// carrying the subscription's current counters.
type Notifier struct {
	Watch    Watcher
	Counters *counter.Table
}

// Notify implements registry.Notifier and router.Notifier.
func (n *Notifier) Notify(subscriptionID, event string) {
	n.Watch.Publish(subscriptionID, Event{
		Type:           event,
		SubscriptionID: subscriptionID,
		Counters:       n.Counters.Get(subscriptionID),
	})
}
