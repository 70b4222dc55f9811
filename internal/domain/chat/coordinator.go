package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"propchat/internal/infra/realtime"
)

// maxSignedURLTTL is the S3 V4 presign ceiling. Longer configured TTLs are
// clamped to it.
const maxSignedURLTTL = 7 * 24 * time.Hour

// Config wires a Coordinator. UserID, Store and Channel are required;
// Storage may be nil when attachment uploads are disabled.
type Config struct {
	UserID       string
	Store        Store
	Channel      realtime.Channel
	Storage      AttachmentStorage
	SignedURLTTL time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Coordinator owns the conversation and message state of one signed-in
// session: the enriched conversation list, the active conversation's
// history and the realtime subscription keeping both current.
//
// All state is guarded by a mutex; change events arrive on the publishing
// goroutine and store calls are never made while the lock is held.
type Coordinator struct {
	userID       string
	store        Store
	channel      realtime.Channel
	storage      AttachmentStorage
	signedURLTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu            sync.Mutex
	ctx           context.Context
	conversations []ConversationView
	activeID      string
	history       []*Message
	loading       bool
	sub           *realtime.Subscription
}

// NewCoordinator builds a Coordinator for one session.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("chat: user id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if cfg.Channel == nil {
		return nil, errors.New("chat: realtime channel is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 || ttl > maxSignedURLTTL {
		ttl = maxSignedURLTTL
	}
	return &Coordinator{
		userID:       cfg.UserID,
		store:        cfg.Store,
		channel:      cfg.Channel,
		storage:      cfg.Storage,
		signedURLTTL: ttl,
		logger:       logger,
		now:          now,
	}, nil
}

// Start subscribes to message change events and loads the initial
// conversation list, in that order: an insert landing while the list loads
// still reaches the handler instead of falling into a gap. The
// subscription lives until Close; ctx is kept for the store round-trips
// the event handlers perform.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return errors.New("chat: coordinator already started")
	}
	c.ctx = ctx
	c.sub = c.channel.Subscribe(CollectionMessages, []realtime.EventType{realtime.EventInsert, realtime.EventUpdate}, c.handleEvent)
	c.mu.Unlock()

	c.Refresh(ctx)
	return nil
}

// Close releases the realtime subscription. Mandatory on teardown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	sub.Unsubscribe()
}

// Refresh re-derives the conversation list from an authoritative snapshot
// read and resolves the per-conversation enrichments concurrently. On any
// read failure the previous list is preserved and returned; this is a
// display list, failures stay silent beyond the log.
func (c *Coordinator) Refresh(ctx context.Context) []ConversationView {
	c.setLoading(true)
	defer c.setLoading(false)

	convs, err := c.store.ConversationsForUser(ctx, c.userID)
	if err != nil {
		c.logger.Warn("conversation list fetch failed", "user_id", c.userID, "error", err)
		return c.Conversations()
	}

	views := make([]ConversationView, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	for i, conv := range convs {
		i, conv := i, conv
		views[i].Conversation = conv
		g.Go(func() error {
			profile, err := c.store.ProfileByID(gctx, conv.OtherParty(c.userID))
			if errors.Is(err, ErrProfileNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("profile %s: %w", conv.OtherParty(c.userID), err)
			}
			views[i].OtherParty = *profile
			return nil
		})
		if conv.ListingID != "" {
			g.Go(func() error {
				listing, err := c.store.ListingByID(gctx, conv.ListingID)
				if errors.Is(err, ErrListingNotFound) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("listing %s: %w", conv.ListingID, err)
				}
				views[i].Listing = listing
				return nil
			})
		}
		g.Go(func() error {
			last, err := c.store.LastMessage(gctx, conv.ID)
			if err != nil {
				return fmt.Errorf("last message of %s: %w", conv.ID, err)
			}
			views[i].LastMessage = last
			return nil
		})
		g.Go(func() error {
			unread, err := c.store.CountUnread(gctx, conv.ID, c.userID)
			if err != nil {
				return fmt.Errorf("unread count of %s: %w", conv.ID, err)
			}
			views[i].Unread = unread
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("conversation enrichment failed", "user_id", c.userID, "error", err)
		return c.Conversations()
	}

	c.mu.Lock()
	c.conversations = views
	c.mu.Unlock()
	return c.Conversations()
}

// Open makes the conversation active, loads its full history oldest-first
// and marks every unread counterparty message as read. Opening an empty
// conversation yields an empty history and the read-marking is a no-op.
func (c *Coordinator) Open(ctx context.Context, conversationID string) ([]*Message, error) {
	msgs, err := c.store.MessagesForConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	c.mu.Lock()
	c.activeID = conversationID
	c.history = msgs
	c.mu.Unlock()

	if _, err := c.store.MarkConversationRead(ctx, conversationID, c.userID, c.now()); err != nil {
		c.logger.Warn("mark conversation read failed", "conversation_id", conversationID, "error", err)
	}
	return c.History(), nil
}

// Send inserts a new message authored by the session user. Empty text with
// no attachment is silently dropped and returns (nil, nil); empty text with
// an attachment gets an auto caption derived from the MIME type. The
// conversation's activity timestamp and the active history advance through
// the store's change event, not through extra writes here.
func (c *Coordinator) Send(ctx context.Context, conversationID, text string, attachment *Attachment) (*Message, error) {
	content := strings.TrimSpace(text)
	if content == "" && attachment == nil {
		return nil, nil
	}
	if content == "" {
		content = attachmentCaption(attachment.Type)
	}
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       c.userID,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      c.now().UTC(),
	}
	if err := c.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// UploadAttachment stores a file under a conversation-scoped key and
// returns a descriptor with a signed, time-limited URL, ready to pass to
// Send. The timestamp prefix keeps same-named uploads from colliding.
func (c *Coordinator) UploadAttachment(ctx context.Context, conversationID, filename, contentType string, size int64, r io.Reader) (*Attachment, error) {
	if c.storage == nil {
		return nil, errors.New("chat: attachment storage is not configured")
	}
	key := fmt.Sprintf("%s/%d-%s", conversationID, c.now().UnixMilli(), sanitizeFilename(filename))
	if err := c.storage.Put(ctx, key, r, size, contentType); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	url, err := c.storage.PresignedURL(ctx, key, c.signedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign attachment url: %w", err)
	}
	return &Attachment{URL: url, Type: contentType, Name: filename}, nil
}

// StartOrResume returns the existing thread for (session user as buyer,
// seller, listing) or creates one. The lookup-then-insert is not atomic:
// two near-simultaneous calls can race and create duplicates.
func (c *Coordinator) StartOrResume(ctx context.Context, sellerID, listingID string) (*Conversation, error) {
	existing, err := c.store.FindConversation(ctx, c.userID, sellerID, listingID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}

	now := c.now().UTC()
	conv := &Conversation{
		ID:            uuid.NewString(),
		BuyerID:       c.userID,
		SellerID:      sellerID,
		ListingID:     listingID,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.InsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	c.Refresh(ctx)
	return conv, nil
}

// Lookup fetches a single conversation by id, ErrConversationNotFound
// when it does not exist.
func (c *Coordinator) Lookup(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.store.ConversationByID(ctx, conversationID)
}

// Conversations returns the current enriched list, most recent first.
func (c *Coordinator) Conversations() []ConversationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConversationView(nil), c.conversations...)
}

// History returns the active conversation's messages, oldest first.
func (c *Coordinator) History() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.history...)
}

// ActiveID returns the active conversation id, empty when none is open.
func (c *Coordinator) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Loading reports whether a list refresh is in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// TotalUnread sums the per-conversation unread counts of the current list.
func (c *Coordinator) TotalUnread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, view := range c.conversations {
		total += view.Unread
	}
	return total
}

func (c *Coordinator) handleEvent(evt realtime.Event) {
	msg, ok := evt.New.(*Message)
	if !ok || msg == nil {
		return
	}
	switch evt.Type {
	case realtime.EventInsert:
		c.handleInsert(msg)
	case realtime.EventUpdate:
		c.handleUpdate(msg)
	}
}

// handleInsert appends to the active history in arrival order, deduplicated
// by id since the transport may redeliver, marks counterparty messages read
// and re-derives the list so unread counts and ordering stay current.
func (c *Coordinator) handleInsert(msg *Message) {
	c.mu.Lock()
	ctx := c.ctx
	active := c.activeID != "" && c.activeID == msg.ConversationID
	if active && !containsMessage(c.history, msg.ID) {
		cp := *msg
		c.history = append(c.history, &cp)
	}
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if active && msg.SenderID != c.userID && !msg.Read {
		if err := c.store.MarkMessageRead(ctx, msg.ID, c.now()); err != nil {
			c.logger.Warn("mark message read failed", "message_id", msg.ID, "error", err)
		}
	}
	c.Refresh(ctx)
}

// handleUpdate patches the matching history entry by id, leaving every
// other entry untouched. Read receipts propagate to the sender's view this
// way.
func (c *Coordinator) handleUpdate(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.history {
		if existing.ID == msg.ID {
			cp := *msg
			c.history[i] = &cp
			return
		}
	}
}

func (c *Coordinator) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
}

func containsMessage(history []*Message, id string) bool {
	for _, msg := range history {
		if msg.ID == id {
			return true
		}
	}
	return false
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return strings.ReplaceAll(name, " ", "_")
}
