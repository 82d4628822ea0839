package session

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const sessionIDContextKey = "session_id"

// Middleware validates bearer tokens and stores the session id in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		sessionID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(sessionIDContextKey, sessionID)
		c.Next()
	}
}

// RequirePathSession rejects requests whose :id path segment does not match
// the session the bearer token was issued for.
func RequirePathSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, ok := IDFromContext(c)
		if !ok || sessionID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		if paramID != sessionID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session mismatch"})
			return
		}
		c.Next()
	}
}

// IDFromContext retrieves the authenticated session id from the gin context.
func IDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(sessionIDContextKey)
	if !ok {
		return 0, false
	}
	sessionID, ok := val.(int64)
	return sessionID, ok
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
