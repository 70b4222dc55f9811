package ginserver

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	"propchat/internal/app/dto"
	"propchat/internal/domain/presence"
)

// PresenceHandler serves heartbeat writes and batch liveness queries. The
// Tracker is the shared read-only mirror; writes go straight to the store
// so every mirror picks them up through the change feed.
type PresenceHandler struct {
	Store   presence.Store
	Tracker *presence.Tracker
	Logger  *slog.Logger
	Now     func() time.Time
}

// Heartbeat upserts the caller's own presence record. A missing body
// defaults to online.
func (h PresenceHandler) Heartbeat(c *gin.Context) {
	principal, ok := requireAuth(c)
	if !ok {
		return
	}
	req := dto.HeartbeatRequest{Online: true}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	rec := presence.Record{UserID: principal.ID, Online: req.Online, LastSeen: h.now().UTC()}
	if err := h.Store.Upsert(c.Request.Context(), rec); err != nil {
		if h.Logger != nil {
			h.Logger.Error("presence heartbeat failed", "user_id", principal.ID, "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot record heartbeat"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Status answers liveness for the comma-separated user_ids query param.
// Unknown users read as offline with a zero last-seen.
func (h PresenceHandler) Status(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	ids := splitIDs(c.Query("user_ids"))
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids is required"})
		return
	}
	if err := h.Tracker.Fetch(c.Request.Context(), ids); err != nil {
		if h.Logger != nil {
			h.Logger.Error("presence fetch failed", "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot load presence"})
		return
	}
	out := dto.PresenceStatusList{Items: make([]dto.PresenceStatus, 0, len(ids))}
	for _, id := range ids {
		out.Items = append(out.Items, dto.PresenceStatus{
			UserID:   id,
			Online:   h.Tracker.IsOnline(id),
			LastSeen: h.Tracker.LastSeen(id),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h PresenceHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

var _ PresenceHTTP = (*PresenceHandler)(nil)
