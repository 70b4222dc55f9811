package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"propchat/internal/infra/config"
	"propchat/internal/infra/obs"
)

// ChatHTTP exposes the messaging endpoints.
type ChatHTTP interface {
	ListConversations(c *gin.Context)
	StartConversation(c *gin.Context)
	OpenConversation(c *gin.Context)
	SendMessage(c *gin.Context)
	UploadAttachment(c *gin.Context)
}

// PresenceHTTP exposes the liveness endpoints.
type PresenceHTTP interface {
	Heartbeat(c *gin.Context)
	Status(c *gin.Context)
}

// StreamHTTP exposes the websocket change feed.
type StreamHTTP interface {
	Stream(c *gin.Context)
}

// Handlers groups everything the router mounts.
type Handlers struct {
	Chat           ChatHTTP
	Presence       PresenceHTTP
	Stream         StreamHTTP
	AuthMiddleware gin.HandlerFunc
}

// NewServer wires the router: recovery, request ids, request logging,
// CORS, auth and the API routes.
func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	api := router.Group("/api/v1")
	if h.Chat != nil {
		api.GET("/conversations", h.Chat.ListConversations)
		api.POST("/conversations", h.Chat.StartConversation)
		api.GET("/conversations/:id/messages", h.Chat.OpenConversation)
		api.POST("/conversations/:id/messages", h.Chat.SendMessage)
		api.POST("/conversations/:id/attachments", h.Chat.UploadAttachment)
	}
	if h.Presence != nil {
		api.POST("/presence/heartbeat", h.Presence.Heartbeat)
		api.GET("/presence", h.Presence.Status)
	}
	if h.Stream != nil {
		api.GET("/ws", h.Stream.Stream)
	}

	return &http.Server{Addr: cfg.HTTPAddr, Handler: router}
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
