package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	headerUserID        = "X-User-Id"
	headerInternalToken = "X-Internal-Token"

	// ContextUserIDKey is the gin context key the resolved user id is stored under.
	ContextUserIDKey = "user_id"
)

// UserID reads X-User-Id off the request and stores it on the gin context,
// defaulting to "default" when absent (authentication itself is an external
// collaborator; this middleware only plumbs the already-authenticated id).
func UserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(headerUserID)
		if userID == "" {
			userID = "default"
		}
		c.Set(ContextUserIDKey, userID)
		c.Next()
	}
}

// InternalToken guards /internal/* routes by comparing X-Internal-Token
// against the configured shared secret.
func InternalToken(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" || c.GetHeader(headerInternalToken) != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    1,
				"message": "invalid or missing internal token",
				"data":    nil,
			})
			return
		}
		c.Next()
	}
}
