package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

const adminTokenHeader = "X-Admin-Token"

// AdminToken guards the mutating ops endpoints with a shared secret. An
// empty configured token disables the endpoints entirely rather than
// leaving them open.
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": appErrors.Clone(appErrors.ErrUnauthorized, "admin endpoints disabled")})
			return
		}
		provided := c.GetHeader(adminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": appErrors.ErrUnauthorized})
			return
		}
		c.Next()
	}
}
