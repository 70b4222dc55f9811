package chat

import (
	"context"
	"errors"
	"io"
	"time"
)

// Collection names used for store records and realtime change events.
const (
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrMessageNotFound      = errors.New("chat: message not found")
	ErrProfileNotFound      = errors.New("chat: profile not found")
	ErrListingNotFound      = errors.New("chat: listing not found")
)

// Conversation is a persistent thread between a buyer and a seller,
// optionally scoped to one listing. It is never deleted; only
// LastMessageAt moves, bumped whenever a message lands in it.
type Conversation struct {
	ID            string    `json:"id"`
	BuyerID       string    `json:"buyer_id"`
	SellerID      string    `json:"seller_id"`
	ListingID     string    `json:"listing_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OtherParty returns the participant that is not the given user.
func (c Conversation) OtherParty(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// Profile is the public slice of a user account shown next to a thread.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ListingSummary is the property card attached to a listing-scoped thread.
type ListingSummary struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Images []string `json:"images,omitempty"`
}

// ConversationView is a Conversation enriched for display: counterparty
// profile, listing card, most recent message and the viewer's unread count.
// Enrichment reflects a best-effort read immediately after the snapshot and
// may be marginally stale under concurrent writes.
type ConversationView struct {
	Conversation
	OtherParty  Profile         `json:"other_party"`
	Listing     *ListingSummary `json:"listing,omitempty"`
	LastMessage *Message        `json:"last_message,omitempty"`
	Unread      int             `json:"unread"`
}

// Store is the data-store collaborator for conversations, messages and the
// read-only profile/listing collections. Implementations publish a realtime
// change event after every successful insert or update.
type Store interface {
	// ConversationsForUser returns every conversation the user participates
	// in, most recent activity first.
	ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	ConversationByID(ctx context.Context, id string) (*Conversation, error)
	// FindConversation locates the thread for an exact (buyer, seller,
	// listing) triple; listingID may be empty for direct threads. Returns
	// ErrConversationNotFound when absent.
	FindConversation(ctx context.Context, buyerID, sellerID, listingID string) (*Conversation, error)
	InsertConversation(ctx context.Context, conv *Conversation) error

	// MessagesForConversation returns the full history, oldest first.
	MessagesForConversation(ctx context.Context, conversationID string) ([]*Message, error)
	// LastMessage returns the newest message or nil when the thread is empty.
	LastMessage(ctx context.Context, conversationID string) (*Message, error)
	InsertMessage(ctx context.Context, msg *Message) error
	// MarkConversationRead flips every unread message not authored by the
	// reader and stamps read_at. Returns how many messages changed.
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)
	MarkMessageRead(ctx context.Context, messageID string, at time.Time) error
	// CountUnread counts messages in the conversation that the user has not
	// read and did not send.
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)

	ProfileByID(ctx context.Context, id string) (*Profile, error)
	ListingByID(ctx context.Context, id string) (*ListingSummary, error)
}

// AttachmentStorage stores attachment payloads and mints time-limited
// signed URLs for them. The storage location is access-restricted, so
// callers never receive a permanent public URL.
type AttachmentStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
