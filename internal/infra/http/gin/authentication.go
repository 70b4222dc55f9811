package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"
)

const principalContextKey = "propchat.principal"

// ErrUnknownToken is returned by verifiers for tokens they cannot resolve.
var ErrUnknownToken = errors.New("unknown token")

// TokenVerifier resolves an opaque bearer token to a user id. Token
// issuance lives with the external identity provider; this service only
// consumes tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

type principal struct {
	ID    string
	Token string
}

// AuthMiddleware attaches a principal to requests carrying a resolvable
// bearer token. Requests without one pass through anonymous; handlers
// decide whether auth is required.
type AuthMiddleware struct {
	Verifier TokenVerifier
	Logger   *slog.Logger
}

func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" || m.Verifier == nil {
		c.Next()
		return
	}
	userID, err := m.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, ErrUnknownToken) && m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	c.Set(principalContextKey, principal{ID: userID, Token: token})
	c.Next()
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireAuth(c *gin.Context) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// StaticTokens is a fixed token table for dev and tests, filling the same
// role as the in-memory repositories.
type StaticTokens map[string]string

func (s StaticTokens) Verify(_ context.Context, token string) (string, error) {
	userID, ok := s[token]
	if !ok {
		return "", ErrUnknownToken
	}
	return userID, nil
}

var _ TokenVerifier = (StaticTokens)(nil)
