package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"propchat/internal/domain/chat"
	"propchat/internal/infra/realtime"
)

// ChatStore implements chat.Store on MongoDB. Every successful write also
// publishes a change event so connected sessions converge without polling.
type ChatStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	profiles      *mongo.Collection
	properties    *mongo.Collection
	publisher     realtime.Publisher
	logger        *slog.Logger
}

// NewChatStore builds a ChatStore. publisher may be nil.
func NewChatStore(db *mongo.Database, publisher realtime.Publisher, logger *slog.Logger) *ChatStore {
	return &ChatStore{
		conversations: db.Collection(chat.CollectionConversations),
		messages:      db.Collection(chat.CollectionMessages),
		profiles:      db.Collection("profiles"),
		properties:    db.Collection("properties"),
		publisher:     publisher,
		logger:        logger,
	}
}

func (s *ChatStore) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	filter := bson.M{"$or": bson.A{bson.M{"buyer_id": userID}, bson.M{"seller_id": userID}}}
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}})
	cursor, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var out []chat.Conversation
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode conversation: %w", err)
		}
		out = append(out, doc.toDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo: iterate conversations: %w", err)
	}
	return out, nil
}

func (s *ChatStore) ConversationByID(ctx context.Context, id string) (*chat.Conversation, error) {
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrConversationNotFound
		}
		return nil, fmt.Errorf("mongo: load conversation: %w", err)
	}
	conv := doc.toDomain()
	return &conv, nil
}

func (s *ChatStore) FindConversation(ctx context.Context, buyerID, sellerID, listingID string) (*chat.Conversation, error) {
	filter := bson.M{"buyer_id": buyerID, "seller_id": sellerID, "listing_id": listingID}
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrConversationNotFound
		}
		return nil, fmt.Errorf("mongo: find conversation: %w", err)
	}
	conv := doc.toDomain()
	return &conv, nil
}

func (s *ChatStore) InsertConversation(ctx context.Context, conv *chat.Conversation) error {
	if _, err := s.conversations.InsertOne(ctx, newConversationDocument(conv)); err != nil {
		return fmt.Errorf("mongo: insert conversation: %w", err)
	}
	cp := *conv
	s.publish(ctx, chat.CollectionConversations, realtime.EventInsert, nil, &cp)
	return nil
}

func (s *ChatStore) MessagesForConversation(ctx context.Context, conversationID string) ([]*chat.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list messages: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*chat.Message, 0)
	for cursor.Next(ctx) {
		var doc messageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo: decode message: %w", err)
		}
		out = append(out, doc.toDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo: iterate messages: %w", err)
	}
	return out, nil
}

func (s *ChatStore) LastMessage(ctx context.Context, conversationID string) (*chat.Message, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc messageDocument
	if err := s.messages.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongo: last message: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *ChatStore) InsertMessage(ctx context.Context, msg *chat.Message) error {
	if _, err := s.messages.InsertOne(ctx, newMessageDocument(msg)); err != nil {
		return fmt.Errorf("mongo: insert message: %w", err)
	}
	// best-effort bump of the thread's activity timestamp
	update := bson.M{"$set": bson.M{"last_message_at": msg.CreatedAt.UnixMilli(), "updated_at": msg.CreatedAt.UnixMilli()}}
	if _, err := s.conversations.UpdateOne(ctx, bson.M{"_id": msg.ConversationID}, update); err != nil && s.logger != nil {
		s.logger.Warn("failed to bump conversation activity", "conversation_id", msg.ConversationID, "error", err)
	}
	s.publish(ctx, chat.CollectionMessages, realtime.EventInsert, nil, cloneMessage(msg))
	return nil
}

func (s *ChatStore) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"is_read":         false,
		"sender_id":       bson.M{"$ne": readerID},
	}
	cursor, err := s.messages.Find(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongo: find unread: %w", err)
	}
	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("mongo: decode unread: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	update := bson.M{"$set": bson.M{"is_read": true, "read_at": at.UnixMilli()}}
	if _, err := s.messages.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, update); err != nil {
		return 0, fmt.Errorf("mongo: mark read: %w", err)
	}

	readAt := at.UnixMilli()
	for _, doc := range docs {
		doc.Read = true
		doc.ReadAt = &readAt
		s.publish(ctx, chat.CollectionMessages, realtime.EventUpdate, nil, doc.toDomain())
	}
	return len(docs), nil
}

func (s *ChatStore) MarkMessageRead(ctx context.Context, messageID string, at time.Time) error {
	update := bson.M{"$set": bson.M{"is_read": true, "read_at": at.UnixMilli()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc messageDocument
	if err := s.messages.FindOneAndUpdate(ctx, bson.M{"_id": messageID}, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return chat.ErrMessageNotFound
		}
		return fmt.Errorf("mongo: mark message read: %w", err)
	}
	s.publish(ctx, chat.CollectionMessages, realtime.EventUpdate, nil, doc.toDomain())
	return nil
}

func (s *ChatStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"is_read":         false,
		"sender_id":       bson.M{"$ne": userID},
	}
	count, err := s.messages.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongo: count unread: %w", err)
	}
	return int(count), nil
}

func (s *ChatStore) ProfileByID(ctx context.Context, id string) (*chat.Profile, error) {
	var doc profileDocument
	if err := s.profiles.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrProfileNotFound
		}
		return nil, fmt.Errorf("mongo: load profile: %w", err)
	}
	return &chat.Profile{ID: doc.ID, DisplayName: doc.DisplayName, AvatarURL: doc.AvatarURL}, nil
}

func (s *ChatStore) ListingByID(ctx context.Context, id string) (*chat.ListingSummary, error) {
	var doc listingDocument
	if err := s.properties.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chat.ErrListingNotFound
		}
		return nil, fmt.Errorf("mongo: load listing: %w", err)
	}
	return &chat.ListingSummary{ID: doc.ID, Title: doc.Title, Images: append([]string(nil), doc.Images...)}, nil
}

func (s *ChatStore) publish(ctx context.Context, collection string, typ realtime.EventType, old, now any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, realtime.Event{Collection: collection, Type: typ, Old: old, New: now}); err != nil && s.logger != nil {
		s.logger.Warn("change event publish failed", "collection", collection, "type", string(typ), "error", err)
	}
}

type conversationDocument struct {
	ID            string `bson:"_id"`
	BuyerID       string `bson:"buyer_id"`
	SellerID      string `bson:"seller_id"`
	ListingID     string `bson:"listing_id"`
	LastMessageAt int64  `bson:"last_message_at"`
	CreatedAt     int64  `bson:"created_at"`
	UpdatedAt     int64  `bson:"updated_at"`
}

func newConversationDocument(c *chat.Conversation) conversationDocument {
	return conversationDocument{
		ID:            c.ID,
		BuyerID:       c.BuyerID,
		SellerID:      c.SellerID,
		ListingID:     c.ListingID,
		LastMessageAt: c.LastMessageAt.UnixMilli(),
		CreatedAt:     c.CreatedAt.UnixMilli(),
		UpdatedAt:     c.UpdatedAt.UnixMilli(),
	}
}

func (d conversationDocument) toDomain() chat.Conversation {
	return chat.Conversation{
		ID:            d.ID,
		BuyerID:       d.BuyerID,
		SellerID:      d.SellerID,
		ListingID:     d.ListingID,
		LastMessageAt: timestampToTime(d.LastMessageAt),
		CreatedAt:     timestampToTime(d.CreatedAt),
		UpdatedAt:     timestampToTime(d.UpdatedAt),
	}
}

type messageDocument struct {
	ID             string              `bson:"_id"`
	ConversationID string              `bson:"conversation_id"`
	SenderID       string              `bson:"sender_id"`
	Content        string              `bson:"content"`
	Attachment     *attachmentDocument `bson:"attachment,omitempty"`
	Read           bool                `bson:"is_read"`
	ReadAt         *int64              `bson:"read_at,omitempty"`
	CreatedAt      int64               `bson:"created_at"`
}

type attachmentDocument struct {
	URL  string `bson:"url"`
	Type string `bson:"type"`
	Name string `bson:"name"`
}

func newMessageDocument(m *chat.Message) messageDocument {
	doc := messageDocument{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
	if m.Attachment != nil {
		doc.Attachment = &attachmentDocument{URL: m.Attachment.URL, Type: m.Attachment.Type, Name: m.Attachment.Name}
	}
	if m.ReadAt != nil {
		readAt := m.ReadAt.UnixMilli()
		doc.ReadAt = &readAt
	}
	return doc
}

func (d messageDocument) toDomain() *chat.Message {
	msg := &chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Read:           d.Read,
		CreatedAt:      timestampToTime(d.CreatedAt),
	}
	if d.Attachment != nil {
		msg.Attachment = &chat.Attachment{URL: d.Attachment.URL, Type: d.Attachment.Type, Name: d.Attachment.Name}
	}
	if d.ReadAt != nil {
		readAt := timestampToTime(*d.ReadAt)
		msg.ReadAt = &readAt
	}
	return msg
}

type profileDocument struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"display_name"`
	AvatarURL   string `bson:"avatar_url,omitempty"`
}

type listingDocument struct {
	ID     string   `bson:"_id"`
	Title  string   `bson:"title"`
	Images []string `bson:"images,omitempty"`
}

func cloneMessage(m *chat.Message) *chat.Message {
	cp := *m
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	if m.ReadAt != nil {
		at := *m.ReadAt
		cp.ReadAt = &at
	}
	return &cp
}

func timestampToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var _ chat.Store = (*ChatStore)(nil)
