package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"propchat/internal/domain/chat"
	"propchat/internal/infra/realtime"
	"propchat/internal/infra/storage/memory"
)

var testClock = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// setupCoordinator builds a started coordinator for buyer-1 over an
// in-memory store with one seeded conversation against seller-1.
func setupCoordinator(t *testing.T) (*chat.Coordinator, *memory.ChatStore, *realtime.Hub, *chat.Conversation) {
	t.Helper()

	hub := realtime.NewHub(nil)
	store := memory.NewChatStore(hub)
	store.SeedProfile(chat.Profile{ID: "buyer-1", DisplayName: "Anna"})
	store.SeedProfile(chat.Profile{ID: "seller-1", DisplayName: "Boris"})
	store.SeedListing(chat.ListingSummary{ID: "listing-1", Title: "Two-room flat"})

	conv := &chat.Conversation{
		ID:            "conv-1",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		ListingID:     "listing-1",
		LastMessageAt: testClock,
		CreatedAt:     testClock,
		UpdatedAt:     testClock,
	}
	if err := store.InsertConversation(context.Background(), conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	co, err := chat.NewCoordinator(chat.Config{
		UserID:  "buyer-1",
		Store:   store,
		Channel: hub,
		Now:     func() time.Time { return testClock },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := co.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(co.Close)

	return co, store, hub, conv
}

func insertSellerMessage(t *testing.T, store *memory.ChatStore, id, content string, at time.Time) *chat.Message {
	t.Helper()
	msg := &chat.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       "seller-1",
		Content:        content,
		CreatedAt:      at,
	}
	if err := store.InsertMessage(context.Background(), msg); err != nil {
		t.Fatalf("insert message %s: %v", id, err)
	}
	return msg
}

func TestSendEmptyMessageIsDropped(t *testing.T) {
	co, store, _, conv := setupCoordinator(t)

	msg, err := co.Send(context.Background(), conv.ID, "   ", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message for empty send, got %+v", msg)
	}

	history, err := store.MessagesForConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no stored messages, got %d", len(history))
	}
}

func TestSendDerivesCaptionFromAttachmentType(t *testing.T) {
	co, _, _, conv := setupCoordinator(t)

	cases := []struct {
		mime string
		want string
	}{
		{"image/png", "Sent an image"},
		{"image/jpeg", "Sent an image"},
		{"application/pdf", "Sent a file"},
		{"", "Sent a file"},
	}
	for _, tc := range cases {
		msg, err := co.Send(context.Background(), conv.ID, "", &chat.Attachment{URL: "http://files/x", Type: tc.mime, Name: "x"})
		if err != nil {
			t.Fatalf("send attachment (%s): %v", tc.mime, err)
		}
		if msg == nil {
			t.Fatalf("send attachment (%s): message dropped", tc.mime)
		}
		if msg.Content != tc.want {
			t.Errorf("caption for %q: got %q, want %q", tc.mime, msg.Content, tc.want)
		}
	}
}

func TestSendKeepsAuthoredText(t *testing.T) {
	co, _, _, conv := setupCoordinator(t)

	msg, err := co.Send(context.Background(), conv.ID, "  when can I view the flat?  ", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "when can I view the flat?" {
		t.Errorf("content: got %q", msg.Content)
	}
	if msg.SenderID != "buyer-1" {
		t.Errorf("sender: got %q", msg.SenderID)
	}
	if msg.Read {
		t.Error("new message must start unread")
	}
}

func TestOpenMarksCounterpartyMessagesRead(t *testing.T) {
	co, store, _, conv := setupCoordinator(t)
	insertSellerMessage(t, store, "msg-1", "hello", testClock.Add(time.Minute))
	insertSellerMessage(t, store, "msg-2", "still interested?", testClock.Add(2*time.Minute))

	history, err := co.Open(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length: got %d, want 2", len(history))
	}
	if history[0].ID != "msg-1" || history[1].ID != "msg-2" {
		t.Errorf("history order: got %s, %s", history[0].ID, history[1].ID)
	}

	unread, err := store.CountUnread(context.Background(), conv.ID, "buyer-1")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if unread != 0 {
		t.Errorf("unread after open: got %d, want 0", unread)
	}

	// Opening again is a no-op on already read messages.
	if _, err := co.Open(context.Background(), conv.ID); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	unread, _ = store.CountUnread(context.Background(), conv.ID, "buyer-1")
	if unread != 0 {
		t.Errorf("unread after reopen: got %d, want 0", unread)
	}
}

func TestInsertEventAppendsToActiveHistoryOnce(t *testing.T) {
	co, store, hub, conv := setupCoordinator(t)
	if _, err := co.Open(context.Background(), conv.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	msg := insertSellerMessage(t, store, "msg-1", "ping", testClock.Add(time.Minute))

	// Redelivery of the same event must not duplicate the entry.
	hub.Publish(context.Background(), realtime.Event{
		Collection: chat.CollectionMessages,
		Type:       realtime.EventInsert,
		New:        msg,
	})

	history := co.History()
	if len(history) != 1 {
		t.Fatalf("history length: got %d, want 1", len(history))
	}
	if history[0].ID != "msg-1" {
		t.Errorf("history entry: got %s", history[0].ID)
	}
}

func TestInsertEventForInactiveConversationLeavesHistoryAlone(t *testing.T) {
	co, store, _, conv := setupCoordinator(t)
	if _, err := co.Open(context.Background(), conv.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	other := &chat.Conversation{
		ID:            "conv-2",
		BuyerID:       "buyer-1",
		SellerID:      "seller-2",
		LastMessageAt: testClock,
		CreatedAt:     testClock,
	}
	if err := store.InsertConversation(context.Background(), other); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if err := store.InsertMessage(context.Background(), &chat.Message{
		ID:             "msg-other",
		ConversationID: "conv-2",
		SenderID:       "seller-2",
		Content:        "elsewhere",
		CreatedAt:      testClock.Add(time.Minute),
	}); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	if got := len(co.History()); got != 0 {
		t.Errorf("history length: got %d, want 0", got)
	}
	if co.ActiveID() != conv.ID {
		t.Errorf("active id changed to %q", co.ActiveID())
	}
}

func TestIncomingMessageOnActiveConversationIsReadImmediately(t *testing.T) {
	co, store, _, conv := setupCoordinator(t)
	if _, err := co.Open(context.Background(), conv.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	insertSellerMessage(t, store, "msg-1", "are you there?", testClock.Add(time.Minute))

	unread, err := store.CountUnread(context.Background(), conv.ID, "buyer-1")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if unread != 0 {
		t.Errorf("message arriving into the open conversation stayed unread (%d)", unread)
	}
}

func TestUpdateEventPatchesOnlyMatchingEntry(t *testing.T) {
	co, _, hub, conv := setupCoordinator(t)
	if _, err := co.Open(context.Background(), conv.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := co.Send(context.Background(), conv.ID, "first", nil)
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	second, err := co.Send(context.Background(), conv.ID, "second", nil)
	if err != nil {
		t.Fatalf("send second: %v", err)
	}

	before := co.History()
	if len(before) != 2 {
		t.Fatalf("history length: got %d, want 2", len(before))
	}
	if before[0].ID != first.ID || before[1].ID != second.ID {
		t.Fatalf("history order: got %s, %s", before[0].ID, before[1].ID)
	}

	readAt := testClock.Add(time.Minute)
	updated := *second
	updated.Read = true
	updated.ReadAt = &readAt
	hub.Publish(context.Background(), realtime.Event{
		Collection: chat.CollectionMessages,
		Type:       realtime.EventUpdate,
		New:        &updated,
	})

	after := co.History()
	if after[0] != before[0] {
		t.Error("untouched entry was replaced")
	}
	if after[1] == before[1] {
		t.Error("updated entry was not replaced")
	}
	if !after[1].Read || after[1].ReadAt == nil {
		t.Errorf("update not applied: %+v", after[1])
	}
	if after[1].ID != second.ID {
		t.Errorf("unexpected entry id %s", after[1].ID)
	}
}

func TestRefreshEnrichesConversationViews(t *testing.T) {
	co, store, _, _ := setupCoordinator(t)
	insertSellerMessage(t, store, "msg-1", "hello", testClock.Add(time.Minute))
	insertSellerMessage(t, store, "msg-2", "any news?", testClock.Add(2*time.Minute))

	views := co.Refresh(context.Background())
	if len(views) != 1 {
		t.Fatalf("views length: got %d, want 1", len(views))
	}
	view := views[0]
	if view.OtherParty.DisplayName != "Boris" {
		t.Errorf("other party: got %q", view.OtherParty.DisplayName)
	}
	if view.Listing == nil || view.Listing.Title != "Two-room flat" {
		t.Errorf("listing: got %+v", view.Listing)
	}
	if view.LastMessage == nil || view.LastMessage.ID != "msg-2" {
		t.Errorf("last message: got %+v", view.LastMessage)
	}
	if view.Unread != 2 {
		t.Errorf("unread: got %d, want 2", view.Unread)
	}
	if co.TotalUnread() != 2 {
		t.Errorf("total unread: got %d, want 2", co.TotalUnread())
	}
}

// flakyStore fails the conversation list read on demand.
type flakyStore struct {
	chat.Store
	fail bool
}

func (s *flakyStore) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if s.fail {
		return nil, errors.New("store unavailable")
	}
	return s.Store.ConversationsForUser(ctx, userID)
}

func TestRefreshFailurePreservesPreviousList(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := memory.NewChatStore(hub)
	store.SeedProfile(chat.Profile{ID: "seller-1", DisplayName: "Boris"})
	if err := store.InsertConversation(context.Background(), &chat.Conversation{
		ID:            "conv-1",
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		LastMessageAt: testClock,
		CreatedAt:     testClock,
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	flaky := &flakyStore{Store: store}
	co, err := chat.NewCoordinator(chat.Config{
		UserID:  "buyer-1",
		Store:   flaky,
		Channel: hub,
		Now:     func() time.Time { return testClock },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := co.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer co.Close()

	if got := len(co.Conversations()); got != 1 {
		t.Fatalf("initial list length: got %d, want 1", got)
	}

	flaky.fail = true
	views := co.Refresh(context.Background())
	if len(views) != 1 {
		t.Errorf("list after failed refresh: got %d, want 1", len(views))
	}
	if views[0].ID != "conv-1" {
		t.Errorf("list entry: got %s", views[0].ID)
	}
}

// recordingStorage captures attachment writes and signing requests.
type recordingStorage struct {
	putKey    string
	putType   string
	putSize   int64
	signedKey string
	signedTTL time.Duration
}

func (s *recordingStorage) Put(_ context.Context, key string, _ io.Reader, size int64, contentType string) error {
	s.putKey, s.putSize, s.putType = key, size, contentType
	return nil
}

func (s *recordingStorage) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.signedKey, s.signedTTL = key, ttl
	return "https://files.test/" + key, nil
}

func TestUploadAttachmentScopesKeyAndClampsTTL(t *testing.T) {
	hub := realtime.NewHub(nil)
	storage := &recordingStorage{}
	co, err := chat.NewCoordinator(chat.Config{
		UserID:       "buyer-1",
		Store:        memory.NewChatStore(hub),
		Channel:      hub,
		Storage:      storage,
		SignedURLTTL: 365 * 24 * time.Hour,
		Now:          func() time.Time { return testClock },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	att, err := co.UploadAttachment(context.Background(), "conv-1", "flat plan v2.pdf", "application/pdf", 4, strings.NewReader("data"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	wantKey := fmt.Sprintf("conv-1/%d-flat_plan_v2.pdf", testClock.UnixMilli())
	if storage.putKey != wantKey {
		t.Errorf("object key: got %q, want %q", storage.putKey, wantKey)
	}
	if storage.signedKey != wantKey {
		t.Errorf("signed key: got %q, want %q", storage.signedKey, wantKey)
	}
	if storage.putType != "application/pdf" || storage.putSize != 4 {
		t.Errorf("stored payload: type %q, size %d", storage.putType, storage.putSize)
	}
	if want := 7 * 24 * time.Hour; storage.signedTTL != want {
		t.Errorf("signing ttl: got %v, want %v (clamped)", storage.signedTTL, want)
	}
	if att.URL != "https://files.test/"+wantKey {
		t.Errorf("descriptor url: got %q", att.URL)
	}
	if att.Name != "flat plan v2.pdf" || att.Type != "application/pdf" {
		t.Errorf("descriptor: %+v", att)
	}
}

func TestUploadAttachmentWithoutStorageFails(t *testing.T) {
	co, _, _, conv := setupCoordinator(t)

	if _, err := co.UploadAttachment(context.Background(), conv.ID, "x.png", "image/png", 1, strings.NewReader("x")); err == nil {
		t.Fatal("expected an error with no storage configured")
	}
}

// loggingChannel and loggingStore record the order of the coordinator's
// startup calls.
type loggingChannel struct {
	hub *realtime.Hub
	seq *[]string
}

func (c loggingChannel) Subscribe(collection string, types []realtime.EventType, fn realtime.Handler) *realtime.Subscription {
	*c.seq = append(*c.seq, "subscribe")
	return c.hub.Subscribe(collection, types, fn)
}

type loggingStore struct {
	chat.Store
	seq *[]string
}

func (s loggingStore) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	*s.seq = append(*s.seq, "list")
	return s.Store.ConversationsForUser(ctx, userID)
}

func TestStartSubscribesBeforeInitialListLoad(t *testing.T) {
	hub := realtime.NewHub(nil)
	var seq []string
	co, err := chat.NewCoordinator(chat.Config{
		UserID:  "buyer-1",
		Store:   loggingStore{Store: memory.NewChatStore(hub), seq: &seq},
		Channel: loggingChannel{hub: hub, seq: &seq},
		Now:     func() time.Time { return testClock },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := co.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer co.Close()

	if len(seq) < 2 || seq[0] != "subscribe" || seq[1] != "list" {
		t.Fatalf("startup order: got %v, want subscribe before list", seq)
	}
}

func TestStartOrResumeReturnsExistingThread(t *testing.T) {
	co, _, _, conv := setupCoordinator(t)

	got, err := co.StartOrResume(context.Background(), "seller-1", "listing-1")
	if err != nil {
		t.Fatalf("start or resume: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("expected existing conversation %s, got %s", conv.ID, got.ID)
	}

	created, err := co.StartOrResume(context.Background(), "seller-1", "listing-2")
	if err != nil {
		t.Fatalf("start or resume new listing: %v", err)
	}
	if created.ID == conv.ID {
		t.Error("expected a new conversation for a different listing")
	}
	if created.BuyerID != "buyer-1" || created.SellerID != "seller-1" {
		t.Errorf("participants: %+v", created)
	}

	if got := len(co.Conversations()); got != 2 {
		t.Errorf("list length after create: got %d, want 2", got)
	}
}
