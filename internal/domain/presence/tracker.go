package presence

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"propchat/internal/infra/realtime"
)

const (
	// DefaultHeartbeat is how often an owning session refreshes its record.
	DefaultHeartbeat = 60 * time.Second
	// DefaultWindow is the freshness window: a record older than this reads
	// as offline regardless of its flag. The boundary is exclusive, so a
	// record exactly one window old is already offline.
	DefaultWindow = 5 * time.Minute
)

// TrackerConfig wires a Tracker. Store and Channel are required. UserID
// names the session whose liveness the tracker publishes; leave it empty
// for a read-only tracker that only mirrors and answers queries.
type TrackerConfig struct {
	UserID    string
	Store     Store
	Channel   realtime.Channel
	Heartbeat time.Duration
	Window    time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Tracker maintains an in-memory map of user liveness. It heartbeats the
// owning user's record into the store and mirrors everyone else's records
// from the realtime feed and batch fetches. Queries are answered from the
// cache alone, no network call.
type Tracker struct {
	userID    string
	store     Store
	channel   realtime.Channel
	heartbeat time.Duration
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	records map[string]Record
	sub     *realtime.Subscription
	stop    context.CancelFunc
	done    chan struct{}
}

// NewTracker builds a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("presence: store is required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("presence: realtime channel is required")
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		userID:    strings.TrimSpace(cfg.UserID),
		store:     cfg.Store,
		channel:   cfg.Channel,
		heartbeat: heartbeat,
		window:    window,
		logger:    logger,
		now:       now,
		records:   make(map[string]Record),
	}, nil
}

// Start subscribes to presence change events and, when the tracker owns a
// user, publishes online immediately and then on every heartbeat tick.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.sub != nil {
		t.mu.Unlock()
		return errors.New("presence: tracker already started")
	}
	t.sub = t.channel.Subscribe(Collection, nil, t.handleEvent)
	var (
		loopCtx context.Context
		done    chan struct{}
	)
	if t.userID != "" {
		loopCtx, t.stop = context.WithCancel(context.WithoutCancel(ctx))
		done = make(chan struct{})
		t.done = done
	}
	t.mu.Unlock()

	if t.userID != "" {
		t.Publish(ctx, true)
		go t.run(loopCtx, done)
	}
	return nil
}

// Stop publishes offline for the owned user, stops the heartbeat loop and
// releases the subscription.
func (t *Tracker) Stop() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	stop := t.stop
	t.stop = nil
	done := t.done
	t.done = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.Publish(ctx, false)
	}
	sub.Unsubscribe()
}

// Publish upserts the owned user's record with the given flag and the
// current time. Called on start (true), on every heartbeat (true), on
// visibility changes (flag) and on stop (false). Failures are logged and
// not retried; the next heartbeat self-heals.
func (t *Tracker) Publish(ctx context.Context, online bool) {
	if t.userID == "" {
		return
	}
	rec := Record{UserID: t.userID, Online: online, LastSeen: t.now().UTC()}
	if err := t.store.Upsert(ctx, rec); err != nil {
		t.logger.Warn("presence upsert failed", "user_id", t.userID, "online", online, "error", err)
	}
}

// IsOnline reports whether the user's cached record is marked online and
// fresh. Evaluated against the clock at call time.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	rec, ok := t.records[userID]
	t.mu.RUnlock()
	if !ok || !rec.Online {
		return false
	}
	return t.now().Sub(rec.LastSeen) < t.window
}

// LastSeen returns the cached last-seen timestamp, zero when unknown.
func (t *Tracker) LastSeen(userID string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[userID].LastSeen
}

// Fetch reads the records for the given users in one call and merges them
// into the cache.
func (t *Tracker) Fetch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	records, err := t.store.ByUserIDs(ctx, ids)
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, rec := range records {
		t.records[rec.UserID] = rec
	}
	t.mu.Unlock()
	return nil
}

func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Publish(ctx, true)
		}
	}
}

// handleEvent merges any inserted or updated record into the cache. The
// subscription is global; relevance filtering happens implicitly in the
// query functions.
func (t *Tracker) handleEvent(evt realtime.Event) {
	if evt.Type == realtime.EventDelete {
		return
	}
	rec, ok := evt.New.(*Record)
	if !ok || rec == nil {
		return
	}
	t.mu.Lock()
	t.records[rec.UserID] = *rec
	t.mu.Unlock()
}
