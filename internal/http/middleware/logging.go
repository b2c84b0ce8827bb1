// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides request correlation, caller identity, the request-scoped
// logger and panic recovery:
//
//   - RequestID() reuses or mints the X-Request-ID correlation header.
//   - Identity() lifts the X-User-ID header into the Gin context so every
//     later stage (rate limiting, idempotency, logs, handlers) sees the same
//     caller.
//   - Recovery() converts panics into JSON 500 responses with the request ID.
//   - LoggerFrom() returns the logger stored by AccessLogger.
//
// Recommended order: RequestID, Identity, AccessLogger, Recovery.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// userIDKey is the Gin context key holding the caller identity.
	userIDKey = "userID"
	// HeaderUserID carries the caller identity on REST requests.
	HeaderUserID = "X-User-ID"
	// loggerKey holds the request-scoped *zerolog.Logger.
	loggerKey = "logger"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
	// maxUserIDLength bounds identities accepted from the header.
	maxUserIDLength = 64
)

// RequestID attaches (or propagates) a correlation identifier per request.
// The ID is written back as X-Request-ID and stored under "requestID".
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Identity copies a trimmed X-User-ID header into the context under
// "userID". Oversized values are not lifted, so they never reach rate-limit
// keys or log fields.
// The WebSocket endpoint authenticates separately and does not rely on this.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" && len(uid) <= maxUserIDLength {
			c.Set(userIDKey, uid)
		}
		c.Next()
	}
}

// UserID returns the identity stored by Identity, or "".
func UserID(c *gin.Context) string {
	return asString(c.Value(userIDKey))
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500
// error shaped like every other API error:
//
//	{ "request_id": "...", "code": "internal_error", "message": "internal server error" }
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", asString(rid)).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, asString(rid))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": asString(rid),
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger, or the global
// logger when AccessLogger did not run. Never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// asString converts an arbitrary interface to a string, returning an empty
// string when the value is not a string.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate returns s unchanged when within max bytes, otherwise it cuts it
// and appends an ellipsis. A max <= 0 disables truncation.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
