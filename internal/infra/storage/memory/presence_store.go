package memory

import (
	"context"
	"sync"

	"propchat/internal/domain/presence"
	"propchat/internal/infra/realtime"
)

// PresenceStore is an in-memory presence.Store for tests and broker-less
// local runs.
type PresenceStore struct {
	publisher realtime.Publisher

	mu      sync.RWMutex
	records map[string]presence.Record
}

// NewPresenceStore builds an empty store. publisher may be nil.
func NewPresenceStore(publisher realtime.Publisher) *PresenceStore {
	return &PresenceStore{
		publisher: publisher,
		records:   make(map[string]presence.Record),
	}
}

func (s *PresenceStore) Upsert(ctx context.Context, rec presence.Record) error {
	s.mu.Lock()
	_, existed := s.records[rec.UserID]
	s.records[rec.UserID] = rec
	s.mu.Unlock()

	if s.publisher != nil {
		typ := realtime.EventInsert
		if existed {
			typ = realtime.EventUpdate
		}
		cp := rec
		_ = s.publisher.Publish(ctx, realtime.Event{Collection: presence.Collection, Type: typ, New: &cp})
	}
	return nil
}

func (s *PresenceStore) ByUserIDs(_ context.Context, ids []string) ([]presence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]presence.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

var _ presence.Store = (*PresenceStore)(nil)
