package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/logging"
)

// ContextKeyIdentity is the key for storing the authenticated identity in gin context
const ContextKeyIdentity = "authIdentity"

var (
	ErrUnauthorized = apperr.New(apperr.KindUnauthorized, "UNAUTHORIZED", "a valid bearer token is required")
	ErrForbidden    = apperr.New(apperr.KindForbidden, "FORBIDDEN", "your role may not perform this action")
)

// Middleware resolves the bearer token, if any, into an Identity.
// Requests without a valid token continue unauthenticated.
func Middleware(m *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if ok && token != "" {
			if id, err := m.Parse(strings.TrimSpace(token)); err == nil {
				c.Set(ContextKeyIdentity, id)
				c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), id.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			apperr.Respond(c, ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers whose role is not listed.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			apperr.Respond(c, ErrUnauthorized)
			c.Abort()
			return
		}
		for _, r := range roles {
			if id.Role == r {
				c.Next()
				return
			}
		}
		apperr.Respond(c, ErrForbidden)
		c.Abort()
	}
}

// GetIdentity returns the identity from context (if authenticated)
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
