package realtime

import "context"

// EventType classifies a row-level change notification.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is a change notification for a single record of a named collection.
// New carries the record after the change, Old the record before it (updates
// and deletes only). Payload types are the domain types of the collection,
// e.g. *chat.Message for "messages".
type Event struct {
	Collection string
	Type       EventType
	New        any
	Old        any
}

// Handler receives delivered events. Handlers run on the publisher's
// goroutine after subscriber bookkeeping locks are released, so they may
// publish further events themselves.
type Handler func(Event)

// Channel is the subscribe side of the change feed.
type Channel interface {
	Subscribe(collection string, types []EventType, fn Handler) *Subscription
}

// Publisher is the write side. Stores publish an event after every
// successful insert or update.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscription is a handle for an active subscription. Every Subscribe must
// be paired with Unsubscribe on teardown; a leaked subscription keeps
// delivering events into stale state.
type Subscription struct {
	cancel func()
}

// Unsubscribe releases the subscription. Safe to call more than once and on
// a nil subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}
