package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/sirupsen/logrus"
)

// ErrorLogger logs only requests that recorded errors.
func ErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": appctx.CorrelationID(c.Request.Context()),
			}).Error(c.Errors.String())
		}
	}
}
