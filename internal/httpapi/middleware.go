// Package httpapi implements the orchestrator's external HTTP surface
// (spec.md §6): the node-agent callback endpoints and the PSS viewer
// websocket upgrade. Adapted from the teacher's orchestrator/api package.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/common/apperrors"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
)

// RequestLogger logs every request with a generated request id, mirroring
// the teacher's orchestrator API middleware.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler converts the last handler error into a JSON body sized by
// its apperrors.Kind, falling back to 500 for anything untyped.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := apperrors.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("request error", zap.Error(err))
		} else {
			log.Warn("request error", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
	}
}

// Recovery recovers from panics so one bad request never takes the server
// down, logging the panic instead.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin calls from the node agent and the viewer
// frontend; this layer has no cookie-based session to protect.
func CORS() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID", "X-Callback-Token"}
	cfg.MaxAge = 24 * time.Hour
	return cors.New(cfg)
}
