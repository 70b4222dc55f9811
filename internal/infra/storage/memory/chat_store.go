package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"propchat/internal/domain/chat"
	"propchat/internal/infra/realtime"
)

// ChatStore is an in-memory chat.Store for tests and broker-less local
// runs. Writes publish change events through the given publisher, mirroring
// the production store.
type ChatStore struct {
	publisher realtime.Publisher

	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string]chat.Message
	profiles      map[string]chat.Profile
	listings      map[string]chat.ListingSummary
}

// NewChatStore builds an empty store. publisher may be nil.
func NewChatStore(publisher realtime.Publisher) *ChatStore {
	return &ChatStore{
		publisher:     publisher,
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string]chat.Message),
		profiles:      make(map[string]chat.Profile),
		listings:      make(map[string]chat.ListingSummary),
	}
}

// SeedProfile registers a profile record.
func (s *ChatStore) SeedProfile(p chat.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// SeedListing registers a listing record.
func (s *ChatStore) SeedListing(l chat.ListingSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

func (s *ChatStore) ConversationsForUser(_ context.Context, userID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	out := make([]chat.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.BuyerID == userID || conv.SellerID == userID {
			out = append(out, conv)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *ChatStore) ConversationByID(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, chat.ErrConversationNotFound
	}
	return &conv, nil
}

func (s *ChatStore) FindConversation(_ context.Context, buyerID, sellerID, listingID string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conv := range s.conversations {
		if conv.BuyerID == buyerID && conv.SellerID == sellerID && conv.ListingID == listingID {
			cp := conv
			return &cp, nil
		}
	}
	return nil, chat.ErrConversationNotFound
}

func (s *ChatStore) InsertConversation(ctx context.Context, conv *chat.Conversation) error {
	s.mu.Lock()
	s.conversations[conv.ID] = *conv
	s.mu.Unlock()
	s.publish(ctx, chat.CollectionConversations, realtime.EventInsert, nil, cloneConversation(*conv))
	return nil
}

func (s *ChatStore) MessagesForConversation(_ context.Context, conversationID string) ([]*chat.Message, error) {
	s.mu.RLock()
	out := make([]*chat.Message, 0)
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			cp := msg
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ChatStore) LastMessage(_ context.Context, conversationID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *chat.Message
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if last == nil || msg.CreatedAt.After(last.CreatedAt) {
			cp := msg
			last = &cp
		}
	}
	return last, nil
}

func (s *ChatStore) InsertMessage(ctx context.Context, msg *chat.Message) error {
	s.mu.Lock()
	s.messages[msg.ID] = *msg
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.LastMessageAt = msg.CreatedAt
		conv.UpdatedAt = msg.CreatedAt
		s.conversations[msg.ConversationID] = conv
	}
	s.mu.Unlock()
	s.publish(ctx, chat.CollectionMessages, realtime.EventInsert, nil, cloneMessage(*msg))
	return nil
}

func (s *ChatStore) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	s.mu.Lock()
	changed := make([]chat.Message, 0)
	for id, msg := range s.messages {
		if msg.ConversationID != conversationID || msg.Read || msg.SenderID == readerID {
			continue
		}
		readAt := at
		msg.Read = true
		msg.ReadAt = &readAt
		s.messages[id] = msg
		changed = append(changed, msg)
	}
	s.mu.Unlock()
	for _, msg := range changed {
		s.publish(ctx, chat.CollectionMessages, realtime.EventUpdate, nil, cloneMessage(msg))
	}
	return len(changed), nil
}

func (s *ChatStore) MarkMessageRead(ctx context.Context, messageID string, at time.Time) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return chat.ErrMessageNotFound
	}
	if !msg.Read {
		readAt := at
		msg.Read = true
		msg.ReadAt = &readAt
		s.messages[messageID] = msg
	}
	s.mu.Unlock()
	s.publish(ctx, chat.CollectionMessages, realtime.EventUpdate, nil, cloneMessage(msg))
	return nil
}

func (s *ChatStore) CountUnread(_ context.Context, conversationID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && !msg.Read && msg.SenderID != userID {
			count++
		}
	}
	return count, nil
}

func (s *ChatStore) ProfileByID(_ context.Context, id string) (*chat.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, chat.ErrProfileNotFound
	}
	return &p, nil
}

func (s *ChatStore) ListingByID(_ context.Context, id string) (*chat.ListingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, chat.ErrListingNotFound
	}
	return &l, nil
}

func (s *ChatStore) publish(ctx context.Context, collection string, typ realtime.EventType, old, now any) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, realtime.Event{Collection: collection, Type: typ, Old: old, New: now})
}

func cloneMessage(m chat.Message) *chat.Message {
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	if m.Attachment != nil {
		att := *m.Attachment
		m.Attachment = &att
	}
	return &m
}

func cloneConversation(c chat.Conversation) *chat.Conversation {
	return &c
}

var _ chat.Store = (*ChatStore)(nil)
