package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/service"
)

// Header names shared with the agent's uploader.
const (
	HeaderDeviceID  = "X-Device-ID"
	HeaderRequestID = "X-Request-ID"
)

const ctxDeviceID = "deviceID"

// AuthMiddleware requires a bearer token whose subject is the X-Device-ID header.
func AuthMiddleware(auth service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.GetHeader(HeaderDeviceID)
		if deviceID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-Device-ID header required"})
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		if err := auth.Authenticate(c.Request.Context(), strings.TrimSpace(token), deviceID, c.Request.RemoteAddr); err != nil {
			switch {
			case errors.Is(err, errs.ErrRateLimited):
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			case errors.Is(err, errs.ErrUnauthorized):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			default:
				_ = c.Error(err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			}
			return
		}

		c.Set(ctxDeviceID, deviceID)
		c.Next()
	}
}

// LoggingMiddleware logs one line per request, metadata only.
func LoggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("requestId", c.GetHeader(HeaderRequestID)),
			zap.String("device", c.GetString(ctxDeviceID)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("http", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn("http", fields...)
		default:
			log.Info("http", fields...)
		}
	}
}

// RecoveryMiddleware turns panics into a JSON 500.
func RecoveryMiddleware(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, reason any) {
		log.Error("panic", zap.Any("reason", reason), zap.String("route", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	})
}
