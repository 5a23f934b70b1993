package httpmw

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devmesh/devmesh/internal/common/logger"
)

// CorrelationHeader is the inbound header carrying the request correlation id.
const CorrelationHeader = "x-correlation-id"

// Correlation reads the correlation id from the inbound request, minting one
// when absent, and stores it on the request context and response header.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), logger.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(CorrelationHeader, id)
		c.Next()
	}
}

// CorrelationID extracts the correlation id from a context, or "" when unset.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(logger.CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logger.CorrelationIDKey, id)
}
