package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ConnectionTracker counts in-flight requests. Long SSE streams stay counted until they end.
type ConnectionTracker struct {
	count atomic.Int64
}

// Increment atomically increases the active connection count by 1.
func (ct *ConnectionTracker) Increment() {
	ct.count.Add(1)
	if IsMetricsEnabled() {
		activeConnections.Inc()
	}
}

// Decrement atomically decreases the active connection count by 1.
func (ct *ConnectionTracker) Decrement() {
	ct.count.Add(-1)
	if IsMetricsEnabled() {
		activeConnections.Dec()
	}
}

// Count returns the current number of active connections.
func (ct *ConnectionTracker) Count() int64 {
	return ct.count.Load()
}

// ActiveConnections is the global connection tracker instance used by the server.
var ActiveConnections = &ConnectionTracker{}

// ConnectionTrackerMiddleware returns a Gin middleware that tracks active HTTP connections.
// It increments the counter when a request starts and decrements it when the response completes.
func ConnectionTrackerMiddleware(tracker *ConnectionTracker) gin.HandlerFunc {
	if tracker == nil {
		tracker = ActiveConnections
	}
	return func(c *gin.Context) {
		tracker.Increment()
		defer tracker.Decrement()
		c.Next()
	}
}
