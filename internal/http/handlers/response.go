// Package handlers provides the HTTP handlers of the public REST API.
//
// This file defines the response helpers every endpoint goes through: the
// error envelope, JSON success writers and the mapping from service errors
// to status codes. Responses stay uniform for success and failure alike.
//
// Conventions:
//   - Every error response is an ErrorResponse with a stable `code`.
//   - `fail()` formats the envelope and logs 5xx answers with the
//     request-scoped logger.
//   - `failService()` maps services sentinels (not found, forbidden,
//     conflict, invalid input) and hides the text of anything else.
//   - `ok()` and `noContent()` write success responses.
//
// Example error response:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "conflict",
//	  "message": "message id already in use"
//	}
//
// Example success response:
//
//	HTTP/1.1 201 Created
//	{ "messageId": "m-1", "chatId": "room1", "sender": "a", "content": "hi", "status": "sent" }
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Echo of X-Request-ID, for matching client errors to server logs
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable machine-readable code, see errors.go
	Code string `json:"code" example:"not_found"`
	// Safe to show to users
	Message string `json:"message" example:"message not found"`
}

// fail aborts with an ErrorResponse. 5xx answers are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for the router's fallback handlers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// failService maps a service error onto the envelope. Unnamed errors become
// a 500 with fallbackCode; their text is logged, not returned.
func failService(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrNotOwner):
		fail(c, http.StatusForbidden, ErrCodeNotOwner, err.Error())
	case errors.Is(err, services.ErrChatNotFound),
		errors.Is(err, services.ErrMessageNotFound),
		errors.Is(err, services.ErrParticipantNotFound),
		errors.Is(err, services.ErrPresenceNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrChatExists),
		errors.Is(err, services.ErrMessageIDTaken):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Str("code", fallbackCode).Msg("service failure")
		fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
	}
}
