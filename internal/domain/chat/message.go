package chat

import (
	"strings"
	"time"
)

// Attachment describes a stored file referenced by a message. URL is a
// signed, time-limited link; Type is the MIME type; Name the original
// filename.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Message is one entry of a conversation. Messages are append-only: after
// insertion only Read and ReadAt ever change.
//
// Invariant: Content is non-empty or Attachment is present.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Read           bool        `json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// attachmentCaption substitutes a display text for messages that carry an
// attachment without any typed content.
func attachmentCaption(mimeType string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/") {
		return "Sent an image"
	}
	return "Sent a file"
}
