package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/utils"
)

const APIKeyHeader = "X-API-Key"

// WebhookAPIKey checks the partner key against its bcrypt hash and records
// the partner as actor. An empty hash refuses everything.
func WebhookAPIKey(hash, partner string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if hash == "" || key == "" || utils.CompareSecret(hash, key) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Request = c.Request.WithContext(appctx.Set(c.Request.Context(), appctx.ContextKeyActor, partner))
		c.Next()
	}
}
