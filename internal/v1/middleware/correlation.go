// Package middleware contains Gin middleware for the application.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/miuchi/chat-server/internal/v1/logging"
)

// HeaderXCorrelationID carries the request correlation id. Clients may
// supply their own; otherwise one is minted per request.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags each request with a correlation id. The id is echoed
// in the response header and threaded into the request context so that
// every log line under the request, including websocket actor logs that
// inherit the upgrade request's context, carries it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
