package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/utils"
	"github.com/redis/go-redis/v9"
)

// SessionKeyPrefix namespaces back-office sessions in Redis; the value is the
// operator username.
const SessionKeyPrefix = "session:"

// SessionMiddleware resolves the "token" header of the back-office session
// store. Without Redis every session token is refused.
func SessionMiddleware(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		if rdb == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		username, err := rdb.Get(c.Request.Context(), SessionKeyPrefix+token).Result()
		if err != nil || username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := appctx.Set(c.Request.Context(), appctx.ContextKeyToken, token)
		ctx = utils.SetOperatorInContext(ctx, 0, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
