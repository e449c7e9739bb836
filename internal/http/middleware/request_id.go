package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDKey = "request_id"

// RequestID tags every control-surface request with a correlation id,
// reusing the caller's X-Request-ID header when it's present and a
// sane length, generating a UUID otherwise. Handlers and the access
// logger pull it back out via GetRequestID so a single get_sync_status or
// sync_now call can be traced through logs end to end.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")

		l := len(requestID)
		if l < 1 || l > 64 {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set(RequestIDKey, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID set by RequestID, or "" if the
// middleware never ran (e.g. a handler invoked outside the router).
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
