package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"edgesession/server/seedwork/infrastructure/firebase"
)

// OperatorAuth gates the admin replay endpoints (asr-run, asr-reset) behind
// a Firebase ID token, adapted from the teacher's end-user FirebaseAuth
// middleware but without the auto-provisioning step — an operator calling
// these endpoints is assumed to already exist in the Firebase project and
// is never created on the fly.
func OperatorAuth(client *firebase.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		idToken := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		if idToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator token required"})
			return
		}

		token, err := client.VerifyIDToken(c.Request.Context(), idToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
			return
		}

		c.Set("operator_uid", token.UID)
		c.Next()
	}
}
