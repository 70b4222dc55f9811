package realtime

import (
	"context"
	"testing"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	hub := NewHub(nil)

	var got []Event
	hub.Subscribe("messages", nil, func(evt Event) { got = append(got, evt) })

	hub.Publish(context.Background(), Event{Collection: "messages", Type: EventInsert, New: "a"})
	hub.Publish(context.Background(), Event{Collection: "conversations", Type: EventInsert, New: "b"})

	if len(got) != 1 {
		t.Fatalf("deliveries: got %d, want 1", len(got))
	}
	if got[0].New != "a" {
		t.Errorf("payload: got %v", got[0].New)
	}
}

func TestTypeFilter(t *testing.T) {
	hub := NewHub(nil)

	var got []EventType
	hub.Subscribe("messages", []EventType{EventUpdate}, func(evt Event) { got = append(got, evt.Type) })

	hub.Publish(context.Background(), Event{Collection: "messages", Type: EventInsert})
	hub.Publish(context.Background(), Event{Collection: "messages", Type: EventUpdate})
	hub.Publish(context.Background(), Event{Collection: "messages", Type: EventDelete})

	if len(got) != 1 || got[0] != EventUpdate {
		t.Fatalf("deliveries: got %v, want [update]", got)
	}
}

func TestEmptyCollectionMatchesEverything(t *testing.T) {
	hub := NewHub(nil)

	count := 0
	hub.Subscribe("", nil, func(Event) { count++ })

	hub.Publish(context.Background(), Event{Collection: "messages", Type: EventInsert})
	hub.Publish(context.Background(), Event{Collection: "user_presence", Type: EventUpdate})

	if count != 2 {
		t.Fatalf("deliveries: got %d, want 2", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(nil)

	count := 0
	sub := hub.Subscribe("messages", nil, func(Event) { count++ })

	hub.Publish(context.Background(), Event{Collection: "messages", Type: EventInsert})
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	hub.Publish(context.Background(), Event{Collection: "messages", Type: EventInsert})

	if count != 1 {
		t.Fatalf("deliveries: got %d, want 1", count)
	}
}

func TestHandlerMayPublish(t *testing.T) {
	hub := NewHub(nil)

	var chained []string
	hub.Subscribe("first", nil, func(Event) {
		hub.Publish(context.Background(), Event{Collection: "second", Type: EventInsert})
	})
	hub.Subscribe("second", nil, func(evt Event) { chained = append(chained, evt.Collection) })

	hub.Publish(context.Background(), Event{Collection: "first", Type: EventInsert})

	if len(chained) != 1 || chained[0] != "second" {
		t.Fatalf("chained deliveries: got %v", chained)
	}
}
