package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlationId"
)

// correlationMiddleware assigns every request a correlation id, honoring a
// caller-supplied one.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func correlationID(c *gin.Context) string {
	if id, ok := c.Get(correlationKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// loggingMiddleware records one structured line per request.
func loggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"durationMs", time.Since(start).Milliseconds(),
			"correlationId", correlationID(c),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", attrs...)
			return
		}
		logger.Info("request handled", attrs...)
	}
}

// recoveryMiddleware converts panics into the standard envelope instead of
// tearing down the connection.
func recoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic",
					"panic", r,
					"path", c.Request.URL.Path,
					"correlationId", correlationID(c))
				writeError(c, fmt.Errorf("panic: %v", r))
			}
		}()
		c.Next()
	}
}
