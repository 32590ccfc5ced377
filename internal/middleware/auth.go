package middleware

import (
	"net/http"
	"strings"

	"change-sync/internal/config"
	"github.com/gin-gonic/gin"
)

const (
	accountIDKey = "accountID"
	userIDKey    = "userID"
)

// AccountIDFromContext returns the transport-resolved account, or "" when
// the request carried no X-Account-ID header.
func AccountIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(accountIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func UserIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth enforces the static bearer token when one is configured and stashes
// the account/user headers for the handlers. Session and identity management
// proper live outside this service.
func Auth(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(cfg.AuthToken)
		if token != "" {
			h := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(strings.ToLower(h), "bearer ") || strings.TrimSpace(h[7:]) != token {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			if strings.TrimSpace(c.GetHeader("X-Account-ID")) == "" {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-account-id required"})
				return
			}
		}
		c.Set(accountIDKey, strings.TrimSpace(c.GetHeader("X-Account-ID")))
		c.Set(userIDKey, strings.TrimSpace(c.GetHeader("X-User-ID")))
		c.Next()
	}
}
