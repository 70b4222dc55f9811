package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"propchat/internal/app/dto"
	"propchat/internal/domain/chat"
)

// ChatHandler bridges HTTP with the per-session coordinators.
type ChatHandler struct {
	Sessions *chat.Sessions
	Logger   *slog.Logger
}

// ListConversations returns the enriched conversation list for the
// current user, most recent activity first.
func (h ChatHandler) ListConversations(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	session, err := h.session(c, principal.ID)
	if err != nil {
		return
	}
	views := session.Refresh(c.Request.Context())
	collection := dto.ConversationList{
		Items:       make([]dto.Conversation, 0, len(views)),
		TotalUnread: session.TotalUnread(),
	}
	for _, view := range views {
		collection.Items = append(collection.Items, toConversationDTO(view))
	}
	c.JSON(http.StatusOK, collection)
}

// StartConversation gets or creates a buyer/seller thread, optionally
// scoped to a listing.
func (h ChatHandler) StartConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	var req dto.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.SellerID = strings.TrimSpace(req.SellerID)
	if req.SellerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller_id is required"})
		return
	}
	if req.SellerID == principal.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start chat with yourself"})
		return
	}
	session, err := h.session(c, principal.ID)
	if err != nil {
		return
	}
	conv, err := session.StartOrResume(c.Request.Context(), req.SellerID, strings.TrimSpace(req.ListingID))
	if err != nil {
		h.logError("start conversation failed", err, "user_id", principal.ID, "seller_id", req.SellerID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot start conversation"})
		return
	}
	c.JSON(http.StatusOK, dto.Conversation{
		ID:            conv.ID,
		BuyerID:       conv.BuyerID,
		SellerID:      conv.SellerID,
		ListingID:     conv.ListingID,
		LastMessageAt: conv.LastMessageAt,
		CreatedAt:     conv.CreatedAt,
	})
}

// OpenConversation loads the full history oldest-first and marks the
// counterparty's unread messages as read.
func (h ChatHandler) OpenConversation(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	if !h.isParticipant(c, conversationID, principal.ID) {
		return
	}
	session, err := h.session(c, principal.ID)
	if err != nil {
		return
	}
	history, err := session.Open(c.Request.Context(), conversationID)
	if err != nil {
		h.logError("open conversation failed", err, "conversation_id", conversationID, "user_id", principal.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot load conversation"})
		return
	}
	collection := dto.ChatMessageList{Items: make([]dto.ChatMessage, 0, len(history))}
	for _, msg := range history {
		collection.Items = append(collection.Items, toMessageDTO(msg))
	}
	c.JSON(http.StatusOK, collection)
}

// SendMessage posts a message. Empty text without an attachment is
// silently dropped, answered with 204.
func (h ChatHandler) SendMessage(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !h.isParticipant(c, conversationID, principal.ID) {
		return
	}
	session, err := h.session(c, principal.ID)
	if err != nil {
		return
	}
	var attachment *chat.Attachment
	if req.Attachment != nil {
		attachment = &chat.Attachment{URL: req.Attachment.URL, Type: req.Attachment.Type, Name: req.Attachment.Name}
	}
	msg, err := session.Send(c.Request.Context(), conversationID, req.Text, attachment)
	if err != nil {
		h.logError("send message failed", err, "conversation_id", conversationID, "user_id", principal.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot send message"})
		return
	}
	if msg == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, toMessageDTO(msg))
}

// UploadAttachment stores a multipart file under the conversation's
// namespace and returns the signed descriptor for a follow-up send.
func (h ChatHandler) UploadAttachment(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	if !h.isParticipant(c, conversationID, principal.ID) {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		h.logError("open upload failed", err, "conversation_id", conversationID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	defer file.Close()

	session, err := h.session(c, principal.ID)
	if err != nil {
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	attachment, err := session.UploadAttachment(c.Request.Context(), conversationID, fileHeader.Filename, contentType, fileHeader.Size, file)
	if err != nil {
		h.logError("upload attachment failed", err, "conversation_id", conversationID, "user_id", principal.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot upload attachment"})
		return
	}
	c.JSON(http.StatusCreated, dto.Attachment{URL: attachment.URL, Type: attachment.Type, Name: attachment.Name})
}

func (h ChatHandler) session(c *gin.Context, userID string) (*chat.Coordinator, error) {
	session, err := h.Sessions.Session(c.Request.Context(), userID)
	if err != nil {
		h.logError("session init failed", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return nil, err
	}
	return session, nil
}

// isParticipant rejects access to threads the user is not part of. A
// missing conversation reads as 404 here.
func (h ChatHandler) isParticipant(c *gin.Context, conversationID, userID string) bool {
	session, err := h.session(c, userID)
	if err != nil {
		return false
	}
	conv, err := session.Lookup(c.Request.Context(), conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return false
		}
		h.logError("load conversation failed", err, "conversation_id", conversationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot load conversation"})
		return false
	}
	if conv.BuyerID != userID && conv.SellerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return false
	}
	return true
}

func (h ChatHandler) conversationID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return "", false
	}
	return id, true
}

func (h ChatHandler) logError(msg string, err error, attrs ...any) {
	if h.Logger != nil {
		h.Logger.Error(msg, append([]any{"error", err}, attrs...)...)
	}
}

func toConversationDTO(view chat.ConversationView) dto.Conversation {
	out := dto.Conversation{
		ID:            view.ID,
		BuyerID:       view.BuyerID,
		SellerID:      view.SellerID,
		ListingID:     view.ListingID,
		OtherParty:    dto.Profile{ID: view.OtherParty.ID, DisplayName: view.OtherParty.DisplayName, AvatarURL: view.OtherParty.AvatarURL},
		Unread:        view.Unread,
		LastMessageAt: view.LastMessageAt,
		CreatedAt:     view.CreatedAt,
	}
	if view.Listing != nil {
		out.Listing = &dto.ListingSummary{ID: view.Listing.ID, Title: view.Listing.Title, Images: append([]string(nil), view.Listing.Images...)}
	}
	if view.LastMessage != nil {
		msg := toMessageDTO(view.LastMessage)
		msg.Content = snippet(msg.Content, 500)
		out.LastMessage = &msg
	}
	return out
}

// snippet trims a preview text to at most max runes.
func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func toMessageDTO(msg *chat.Message) dto.ChatMessage {
	out := dto.ChatMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		IsRead:         msg.Read,
		ReadAt:         msg.ReadAt,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Attachment != nil {
		out.Attachment = &dto.Attachment{URL: msg.Attachment.URL, Type: msg.Attachment.Type, Name: msg.Attachment.Name}
	}
	return out
}

var _ ChatHTTP = (*ChatHandler)(nil)
