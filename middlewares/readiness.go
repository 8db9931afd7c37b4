package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Readiness answers 503 until ready reports true, so the port can open
// before the database and Redis are connected. /healthz always passes.
func Readiness(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		if !ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}
