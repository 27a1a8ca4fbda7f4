package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"edgesession/server/modules/session/infrastructure/providers"
)

// APIKeyAuth validates the worker credential carried either as a bearer
// token (control endpoints) or an api_key query parameter (the WebSocket
// upgrade request, which cannot carry a custom header from a browser audio
// worklet). Comparison is constant-time to avoid a timing side-channel on
// the shared secret.
func APIKeyAuth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}

		candidate := c.Query("api_key")
		if candidate == "" {
			authHeader := c.GetHeader("Authorization")
			candidate = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		}

		if candidate == "" || !providers.ConstantTimeEquals(candidate, expected) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing credential"})
			return
		}
		c.Next()
	}
}
