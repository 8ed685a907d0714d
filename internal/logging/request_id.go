package logging

import (
	"context"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type requestIDContextKey struct{}

const ginRequestIDKey = "request_id"

// WithRequestID returns a copy of ctx carrying the correlation id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the correlation id stored by WithRequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// GetGinRequestID returns the correlation id assigned by GinLogrusLogger.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(ginRequestIDKey); ok {
		if id, okStr := v.(string); okStr {
			return id
		}
	}
	if c.Request != nil {
		return RequestIDFromContext(c.Request.Context())
	}
	return ""
}

// RequestEntry builds the per-request log entry that is handed down the call chain.
func RequestEntry(requestID string) *log.Entry {
	return log.WithField("request_id", requestID)
}
