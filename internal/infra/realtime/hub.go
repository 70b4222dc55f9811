package realtime

import (
	"context"
	"log/slog"
	"sync"
)

// Hub is the in-process change feed. It implements both Channel and
// Publisher and fans every published event out to matching subscribers.
//
// Delivery happens synchronously on the publishing goroutine, after the
// subscriber list snapshot is taken, so handlers may publish or subscribe
// without deadlocking. Ordering is whatever the publishing goroutines
// produce; the hub adds no sequencing of its own.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
	logger *slog.Logger
}

type subscriber struct {
	collection string
	types      map[EventType]struct{}
	fn         Handler
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a handler for change events on a collection. An empty
// collection matches every collection; an empty types list means all event
// types.
func (h *Hub) Subscribe(collection string, types []EventType, fn Handler) *Subscription {
	sub := &subscriber{collection: collection, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}}
}

// Publish delivers the event to every matching subscriber.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	matched := make([]Handler, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.collection != "" && sub.collection != evt.Collection {
			continue
		}
		if sub.types != nil {
			if _, ok := sub.types[evt.Type]; !ok {
				continue
			}
		}
		matched = append(matched, sub.fn)
	}
	h.mu.RUnlock()

	for _, fn := range matched {
		fn(evt)
	}
	return nil
}

var (
	_ Channel   = (*Hub)(nil)
	_ Publisher = (*Hub)(nil)
)
