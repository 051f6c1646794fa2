package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mandalaysoft/billing_backend/appctx"
)

const correlationHeader = "X-Correlation-Id"

// CorrelationMiddleware attaches a correlation id to every request, taking
// the caller's header when present, and echoes it on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get(correlationHeader)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}

		ctx := appctx.Set(c.Request.Context(), appctx.ContextKeyCorrelationId, correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(correlationHeader, correlationId)
		c.Next()
	}
}
