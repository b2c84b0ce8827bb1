// Message HTTP handlers.
//
// This file exposes REST endpoints for chat messages:
//   - POST   /chats/{id}/messages           (durable write; idempotent by messageId)
//   - GET    /chats/{id}/messages           (list in timeline order, ETag support)
//   - PATCH  /chats/{id}/messages/{msgId}   (owner edits content)
//   - DELETE /chats/{id}/messages/{msgId}   (owner deletes)
//
// The POST endpoint is the fallback path clients use while the push channel
// is down. A message re-posted with the same messageId (or Idempotency-Key)
// answers 200 with the stored copy instead of 201, so retries never create
// a second message.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/services"
	"github.com/tbourn/go-chat-realtime/internal/utils"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for a durable message write.
type PostMessageRequest struct {
	// MessageID is the sender-chosen identifier. Falls back to the
	// Idempotency-Key header, then to a generated UUID.
	MessageID string `json:"messageId" example:"9b2f0c1e-6d1a-4c43-9d55-0f3f4c1b8a11"`
	// Content must be non-empty after trimming.
	Content string `json:"content" binding:"required" example:"see you at 3"`
	// Timestamp is the sender clock; replaced when missing or skewed.
	Timestamp time.Time          `json:"timestamp" example:"2024-01-01T12:00:00Z"`
	Type      domain.MessageType `json:"type" example:"text"`
	ReplyTo   string             `json:"replyTo,omitempty"`
}

// EditMessageRequest is the JSON payload for an edit.
type EditMessageRequest struct {
	Content string `json:"content" binding:"required" example:"see you at 4"`
}

// ListMessagesResponse contains a page of chat messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Store a message
// @Description Durable write used when the push channel is unavailable. Re-posting an existing messageId returns the stored copy with 200.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true   "Caller identity"   example(alice)
// @Param       Idempotency-Key  header  string  false  "Default messageId" example(9b2f0c1e-6d1a-4c43-9d55-0f3f4c1b8a11)
// @Param       id               path    string  true   "Chat ID"           example(room-42)
// @Param       body             body    handlers.PostMessageRequest  true  "Message"
//
// @Success     201  {object} domain.Message "Created"
// @Success     200  {object} domain.Message "Already stored"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     409  {object} handlers.ErrorResponse "messageId used elsewhere"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if req.MessageID == "" {
		req.MessageID, _ = middleware.GetIdempotencyKey(c)
	}

	m, created, err := h.msgSvc.Post(c.Request.Context(), uid, c.Param("id"), services.PostRequest{
		MessageID: req.MessageID,
		Content:   req.Content,
		Timestamp: req.Timestamp,
		Type:      req.Type,
		ReplyTo:   req.ReplyTo,
	})
	if err != nil {
		failService(c, err, ErrCodePostFailed)
		return
	}
	if !created {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, m)
		return
	}
	ok(c, http.StatusCreated, m)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages (paginated)
// @Description Returns a page of messages ordered by (timestamp, messageId). Supports weak ETag via If-None-Match.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID      header  string  true  "Caller identity"             example(alice)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       id             path    string  true  "Chat ID"                     example(room-42)
// @Param       page           query   int     false "Page number"                 minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"              minimum(1) maximum(200) default(50)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	chatID := c.Param("id")
	page, pageSize := clampPagination(c)

	items, total, err := h.msgSvc.ListPage(ctx, uid, chatID, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}

	// ETag covers the whole chat, so it is only computed for members.
	if count, latest, err := h.msgSvc.Stats(ctx, chatID); err == nil {
		if notModified(c, weakETag("msgs", chatID, count, latest)) {
			return
		}
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// EditMessage godoc
// @ID          editMessage
// @Summary     Edit a message
// @Description Replaces the content of one of the caller's own messages.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Param       id         path    string  true  "Chat ID"          example(room-42)
// @Param       msgId      path    string  true  "Message ID"
// @Param       body       body    handlers.EditMessageRequest  true  "New content"
// @Success     200  {object} domain.Message
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not the sender"
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Router      /chats/{id}/messages/{msgId} [patch]
func (h *Handlers) EditMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	m, err := h.msgSvc.Edit(c.Request.Context(), uid, c.Param("id"), c.Param("msgId"), req.Content)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, m)
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete a message
// @Tags        Messages
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Param       id         path    string  true  "Chat ID"          example(room-42)
// @Param       msgId      path    string  true  "Message ID"
// @Success     204  {string} string "No Content"
// @Failure     403  {object} handlers.ErrorResponse "Not the sender"
// @Failure     404  {object} handlers.ErrorResponse "Message not found"
// @Router      /chats/{id}/messages/{msgId} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	if err := h.msgSvc.Delete(c.Request.Context(), uid, c.Param("id"), c.Param("msgId")); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
