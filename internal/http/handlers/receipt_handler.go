// Receipt HTTP handlers.
//
// This file exposes REST endpoints for read receipts and reactions:
//   - POST /chats/{id}/messages/{msgId}/read
//   - POST /chats/{id}/messages/{msgId}/reactions
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// MarkReadRequest optionally carries the client's read time.
type MarkReadRequest struct {
	Timestamp time.Time `json:"timestamp" example:"2024-01-01T12:00:05Z"`
}

// ReactRequest toggles one emoji reaction.
type ReactRequest struct {
	Emoji string `json:"emoji" binding:"required" example:"👍"`
}

// ReactResponse reports the resulting reaction set.
type ReactResponse struct {
	Added   bool            `json:"added"`
	Message *domain.Message `json:"message"`
}

// MarkRead godoc
// @ID          markRead
// @Summary     Record a read receipt
// @Description Records that the caller read the message. An earlier read time is never overwritten.
// @Tags        Receipts
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true   "Caller identity"  example(bob)
// @Param       id         path    string  true   "Chat ID"          example(room-42)
// @Param       msgId      path    string  true   "Message ID"
// @Param       body       body    handlers.MarkReadRequest  false  "Read time"
// @Success     200  {object} domain.Message
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Router      /chats/{id}/messages/{msgId}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req MarkReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	m, err := h.receiptSvc.MarkRead(c.Request.Context(), uid, c.Param("id"), c.Param("msgId"), req.Timestamp)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, m)
}

// React godoc
// @ID          react
// @Summary     Toggle a reaction
// @Description Adds the caller's emoji to the message, or removes it when already present.
// @Tags        Receipts
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity"  example(bob)
// @Param       id         path    string  true  "Chat ID"          example(room-42)
// @Param       msgId      path    string  true  "Message ID"
// @Param       body       body    handlers.ReactRequest  true  "Emoji"
// @Success     200  {object} handlers.ReactResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Router      /chats/{id}/messages/{msgId}/reactions [post]
func (h *Handlers) React(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req ReactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "emoji required")
		return
	}
	m, added, err := h.receiptSvc.React(c.Request.Context(), uid, c.Param("id"), c.Param("msgId"), req.Emoji)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, ReactResponse{Added: added, Message: m})
}
