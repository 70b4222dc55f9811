package ginserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"propchat/internal/domain/chat"
	"propchat/internal/domain/presence"
	"propchat/internal/infra/realtime"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 45 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamFrame is one event pushed over the websocket.
type StreamFrame struct {
	Collection string `json:"collection"`
	Type       string `json:"type"`
	Data       any    `json:"data"`
}

// StreamHandler upgrades authenticated clients to a websocket and pushes
// their change feed: messages and conversations they participate in, plus
// all presence updates. While the socket is open the connection doubles as
// the user's presence heartbeat.
type StreamHandler struct {
	Channel       realtime.Channel
	Store         chat.Store
	PresenceStore presence.Store
	Heartbeat     time.Duration
	Window        time.Duration
	Logger        *slog.Logger
}

func (h StreamHandler) Stream(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("websocket upgrade failed", "user_id", principal.ID, "error", err)
		}
		return
	}

	client := newStreamClient(principal.ID, conn, h.Store, h.Logger)

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		UserID:    principal.ID,
		Store:     h.PresenceStore,
		Channel:   h.Channel,
		Heartbeat: h.Heartbeat,
		Window:    h.Window,
		Logger:    h.Logger,
	})
	if err != nil {
		conn.Close()
		return
	}
	if err := tracker.Start(c.Request.Context()); err != nil {
		conn.Close()
		return
	}
	defer tracker.Stop()

	sub := h.Channel.Subscribe("", nil, client.enqueue)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go client.writePump(done)
	client.readPump()

	// Unsubscribe before closing the queue: a publish arriving in between
	// must never hit a closed channel.
	sub.Unsubscribe()
	client.shutdown()
	<-done
}

type streamClient struct {
	userID  string
	conn    *websocket.Conn
	store   chat.Store
	members map[string]bool
	logger  *slog.Logger

	mu     sync.Mutex
	send   chan realtime.Event
	closed bool
}

func newStreamClient(userID string, conn *websocket.Conn, store chat.Store, logger *slog.Logger) *streamClient {
	return &streamClient{
		userID:  userID,
		conn:    conn,
		store:   store,
		members: make(map[string]bool),
		logger:  logger,
		send:    make(chan realtime.Event, wsSendBuffer),
	}
}

// enqueue runs on the hub's publish path; it must not block and must stay
// safe against a concurrent disconnect. Filtering and store lookups happen
// in the write pump. A slow consumer loses frames rather than stalling
// everyone else.
func (cl *streamClient) enqueue(evt realtime.Event) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	select {
	case cl.send <- evt:
	default:
		if cl.logger != nil {
			cl.logger.Warn("dropping stream frame, client too slow", "user_id", cl.userID)
		}
	}
}

// shutdown closes the queue exactly once; later enqueue calls become
// no-ops.
func (cl *streamClient) shutdown() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	cl.closed = true
	close(cl.send)
}

// frameFor filters and shapes an event for this client. Called only from
// the write pump goroutine, which also owns the members memo.
func (cl *streamClient) frameFor(evt realtime.Event) (StreamFrame, bool) {
	frame := StreamFrame{Collection: evt.Collection, Type: string(evt.Type), Data: evt.New}
	switch evt.Collection {
	case presence.Collection:
		return frame, true
	case chat.CollectionConversations:
		conv, ok := evt.New.(*chat.Conversation)
		if !ok || conv == nil {
			return StreamFrame{}, false
		}
		return frame, conv.BuyerID == cl.userID || conv.SellerID == cl.userID
	case chat.CollectionMessages:
		msg, ok := evt.New.(*chat.Message)
		if !ok || msg == nil {
			return StreamFrame{}, false
		}
		return frame, cl.isMember(msg.ConversationID)
	default:
		return StreamFrame{}, false
	}
}

// isMember answers whether the user participates in the conversation,
// memoizing lookups for the life of the connection.
func (cl *streamClient) isMember(conversationID string) bool {
	if member, seen := cl.members[conversationID]; seen {
		return member
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conv, err := cl.store.ConversationByID(ctx, conversationID)
	if err != nil {
		return false
	}
	member := conv.BuyerID == cl.userID || conv.SellerID == cl.userID
	cl.members[conversationID] = member
	return member
}

// readPump drains client frames to keep pong handling alive. Clients only
// listen on this socket; anything they send besides control frames is
// ignored.
func (cl *streamClient) readPump() {
	cl.conn.SetReadLimit(1024)
	cl.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (cl *streamClient) writePump(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer cl.conn.Close()
	for {
		select {
		case evt, open := <-cl.send:
			if !open {
				cl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				cl.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			frame, ok := cl.frameFor(evt)
			if !ok {
				continue
			}
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := cl.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ StreamHTTP = (*StreamHandler)(nil)
