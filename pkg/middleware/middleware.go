package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// Config defines middleware configuration
type Config struct {
	EnableLogging bool     `json:"enable_logging"`
	SkipPaths     []string `json:"skip_paths"`
}

// DefaultConfig returns default middleware configuration
func DefaultConfig() *Config {
	return &Config{
		EnableLogging: true,
		SkipPaths:     []string{"/health/live", "/health/ready"},
	}
}

// Logger is the structured logger the middleware writes to. *slog.Logger
// satisfies it.
type Logger interface {
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

// MiddlewareChain holds all middleware instances
type MiddlewareChain struct {
	config *Config
	logger Logger
}

// NewMiddlewareChain creates a new middleware chain
func NewMiddlewareChain(config *Config, logger Logger) *MiddlewareChain {
	if config == nil {
		config = DefaultConfig()
	}
	return &MiddlewareChain{
		config: config,
		logger: logger,
	}
}

// Apply installs recovery, request ids and access logging on the engine
func (m *MiddlewareChain) Apply(r *gin.Engine) {
	r.Use(ErrorHandler())
	r.Use(RequestID())

	if m.config.EnableLogging && m.logger != nil {
		r.Use(NewLogging(&LoggingConfig{
			Enabled:   true,
			SkipPaths: m.config.SkipPaths,
		}, m.logger).Middleware())
	}
}

// RequestID middleware adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := GetRequestID(c)
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// ErrorHandler turns panics into a JSON 500
func ErrorHandler() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "Internal Server Error",
			"request_id": GetRequestID(c),
		})
	})
}

// GetClientIP extracts real client IP from request
func GetClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		// first hop is the client
		if commaIdx := strings.Index(xff, ","); commaIdx != -1 {
			return strings.TrimSpace(xff[:commaIdx])
		}
		return xff
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return xri
	}

	return c.ClientIP()
}

// GetRequestID returns the caller supplied request ID, the one already
// assigned to the context, or a fresh UUID.
func GetRequestID(c *gin.Context) string {
	if reqID := c.GetHeader(RequestIDHeader); reqID != "" {
		return reqID
	}

	if reqID, exists := c.Get(requestIDKey); exists {
		if id, ok := reqID.(string); ok {
			return id
		}
	}

	reqID := uuid.NewString()
	c.Set(requestIDKey, reqID)
	return reqID
}
