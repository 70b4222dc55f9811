package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"propchat/internal/infra/realtime"
)

// Sessions hands out one Coordinator per signed-in user. Coordinators are
// created lazily on first use and keep their realtime subscription until
// released, so repeated requests from the same session share state.
type Sessions struct {
	store        Store
	channel      realtime.Channel
	storage      AttachmentStorage
	signedURLTTL time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]*Coordinator
}

// NewSessions builds the registry. storage may be nil.
func NewSessions(store Store, channel realtime.Channel, storage AttachmentStorage, signedURLTTL time.Duration, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		store:        store,
		channel:      channel,
		storage:      storage,
		signedURLTTL: signedURLTTL,
		logger:       logger,
		active:       make(map[string]*Coordinator),
	}
}

// Session returns the user's coordinator, starting a new one when none
// exists. The coordinator outlives the request, so its event handling is
// detached from the request's cancellation.
func (s *Sessions) Session(ctx context.Context, userID string) (*Coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.active[userID]; ok {
		return c, nil
	}
	c, err := NewCoordinator(Config{
		UserID:       userID,
		Store:        s.store,
		Channel:      s.channel,
		Storage:      s.storage,
		SignedURLTTL: s.signedURLTTL,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	s.active[userID] = c
	return c, nil
}

// Release closes and removes the user's coordinator if present.
func (s *Sessions) Release(userID string) {
	s.mu.Lock()
	c, ok := s.active[userID]
	delete(s.active, userID)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close releases every active session.
func (s *Sessions) Close() {
	s.mu.Lock()
	coordinators := make([]*Coordinator, 0, len(s.active))
	for _, c := range s.active {
		coordinators = append(coordinators, c)
	}
	s.active = make(map[string]*Coordinator)
	s.mu.Unlock()
	for _, c := range coordinators {
		c.Close()
	}
}
