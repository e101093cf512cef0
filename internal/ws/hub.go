package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub is the registry of connected realtime listeners. Broadcast
// snapshots the set before fan-out so subscribers can connect and
// disconnect concurrently; a subscriber whose send fails is closed
// and removed, never retried.
type Hub struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[Subscriber]struct{})}
}

// Register adds a subscriber to the stream.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Count reports the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends payload to every subscriber, pruning the ones that fail.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	var failed []Subscriber
	for _, sub := range snapshot {
		if err := sub.Send(payload); err != nil {
			failed = append(failed, sub)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, sub := range failed {
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			sub.Close()
		}
	}
	h.mu.Unlock()
}
