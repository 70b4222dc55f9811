package dto

import "time"

// Conversation is the enriched thread returned by the list endpoint.
type Conversation struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      string          `json:"seller_id"`
	ListingID     string          `json:"listing_id,omitempty"`
	OtherParty    Profile         `json:"other_party"`
	Listing       *ListingSummary `json:"listing,omitempty"`
	LastMessage   *ChatMessage    `json:"last_message,omitempty"`
	Unread        int             `json:"unread"`
	LastMessageAt time.Time       `json:"last_message_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ConversationList is the list payload with the session-wide unread total.
type ConversationList struct {
	Items       []Conversation `json:"items"`
	TotalUnread int            `json:"total_unread"`
}

// Profile is the counterpart shown next to a thread.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ListingSummary is the property card of a listing-scoped thread.
type ListingSummary struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Images []string `json:"images,omitempty"`
}

// ChatMessage contains a single message payload.
type ChatMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	IsRead         bool        `json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ChatMessageList is a full conversation history, oldest first.
type ChatMessageList struct {
	Items []ChatMessage `json:"items"`
}

// Attachment describes a stored file referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// SendMessageRequest is the send payload. Text may be empty when an
// attachment is present.
type SendMessageRequest struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// StartConversationRequest starts or resumes a thread with a seller.
type StartConversationRequest struct {
	SellerID  string `json:"seller_id"`
	ListingID string `json:"listing_id,omitempty"`
}
