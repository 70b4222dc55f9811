package presence_test

import (
	"context"
	"testing"
	"time"

	"propchat/internal/domain/presence"
	"propchat/internal/infra/realtime"
	"propchat/internal/infra/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTracker(t *testing.T, userID string) (*presence.Tracker, *memory.PresenceStore, *realtime.Hub, *fakeClock) {
	t.Helper()

	hub := realtime.NewHub(nil)
	store := memory.NewPresenceStore(hub)
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		UserID:    userID,
		Store:     store,
		Channel:   hub,
		Heartbeat: time.Hour,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start tracker: %v", err)
	}
	t.Cleanup(tracker.Stop)

	return tracker, store, hub, clock
}

func TestStartPublishesOnline(t *testing.T) {
	tracker, store, _, clock := setupTracker(t, "user-1")

	records, err := store.ByUserIDs(context.Background(), []string{"user-1"})
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	if !records[0].Online {
		t.Error("record must be online after start")
	}
	if !records[0].LastSeen.Equal(clock.Now()) {
		t.Errorf("last seen: got %v, want %v", records[0].LastSeen, clock.Now())
	}
	if !tracker.IsOnline("user-1") {
		t.Error("tracker must see its own user online")
	}
}

func TestFreshnessWindowBoundary(t *testing.T) {
	tracker, _, _, clock := setupTracker(t, "user-1")

	clock.Advance(5*time.Minute - time.Second)
	if !tracker.IsOnline("user-1") {
		t.Error("just inside the window: want online")
	}

	clock.Advance(time.Second)
	if tracker.IsOnline("user-1") {
		t.Error("exactly one window old: want offline")
	}
}

func TestOfflineFlagWinsOverFreshness(t *testing.T) {
	tracker, _, _, _ := setupTracker(t, "user-1")

	tracker.Publish(context.Background(), false)
	if tracker.IsOnline("user-1") {
		t.Error("a fresh offline record must read as offline")
	}
}

func TestUnknownUserReadsOffline(t *testing.T) {
	tracker, _, _, _ := setupTracker(t, "")

	if tracker.IsOnline("nobody") {
		t.Error("unknown users must read as offline")
	}
	if !tracker.LastSeen("nobody").IsZero() {
		t.Error("unknown users have a zero last seen")
	}
}

func TestFetchMergesBatchIntoCache(t *testing.T) {
	// Records written before the tracker subscribed never produced events
	// it saw; a batch fetch has to backfill them.
	hub := realtime.NewHub(nil)
	store := memory.NewPresenceStore(hub)
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	if err := store.Upsert(context.Background(), presence.Record{UserID: "user-2", Online: true, LastSeen: clock.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Store:   store,
		Channel: hub,
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop()

	if tracker.IsOnline("user-2") {
		t.Fatal("record seeded before subscribe must not be cached yet")
	}
	if err := tracker.Fetch(context.Background(), []string{"user-2", "user-3"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !tracker.IsOnline("user-2") {
		t.Error("fetched fresh record must read online")
	}
	if tracker.IsOnline("user-3") {
		t.Error("missing record must read offline")
	}
}

func TestChangeEventsKeepCacheCurrent(t *testing.T) {
	tracker, _, hub, clock := setupTracker(t, "")

	hub.Publish(context.Background(), realtime.Event{
		Collection: presence.Collection,
		Type:       realtime.EventInsert,
		New:        &presence.Record{UserID: "user-9", Online: true, LastSeen: clock.Now()},
	})
	if !tracker.IsOnline("user-9") {
		t.Error("inserted record must read online")
	}

	hub.Publish(context.Background(), realtime.Event{
		Collection: presence.Collection,
		Type:       realtime.EventUpdate,
		New:        &presence.Record{UserID: "user-9", Online: false, LastSeen: clock.Now()},
	})
	if tracker.IsOnline("user-9") {
		t.Error("updated offline record must read offline")
	}
}

func TestStopPublishesOffline(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := memory.NewPresenceStore(hub)
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		UserID:    "user-1",
		Store:     store,
		Channel:   hub,
		Heartbeat: time.Hour,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tracker.Stop()

	records, err := store.ByUserIDs(context.Background(), []string{"user-1"})
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	if records[0].Online {
		t.Error("record must be offline after stop")
	}
}
