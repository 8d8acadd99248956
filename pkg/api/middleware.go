package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"provisiond/pkg/logging"
	"provisiond/pkg/metrics"
)

// RequestLogger attaches a request-scoped logger carrying a fresh request id
// and logs the completion of every request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		start := time.Now()

		requestLogger := logger.With(
			zap.String(logging.FieldRequestID, requestID),
			zap.String(logging.FieldMethod, c.Request.Method),
			zap.String(logging.FieldPath, c.Request.URL.Path),
		)
		c.Set("logger", requestLogger)
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), requestLogger))

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int(logging.FieldStatus, status),
			zap.Int64(logging.FieldDuration, time.Since(start).Milliseconds()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		switch {
		case status >= 500:
			requestLogger.Error("request completed with server error", fields...)
		case status >= 400:
			requestLogger.Warn("request completed with client error", fields...)
		default:
			requestLogger.Info("request completed", fields...)
		}
	}
}

// MetricsMiddleware counts requests by route template and status.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// GetLogger returns the request-scoped logger, or a no-op logger outside a
// request.
func GetLogger(c *gin.Context) *zap.Logger {
	if l, ok := c.Get("logger"); ok {
		if logger, ok := l.(*zap.Logger); ok {
			return logger
		}
	}
	return zap.NewNop()
}
