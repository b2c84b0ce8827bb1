// Chat HTTP handlers.
//
// This file exposes REST endpoints for chat resources and membership:
//   - POST   /chats                              (create; caller becomes a participant)
//   - GET    /chats                              (list the caller's chats)
//   - GET    /chats/{id}/participants            (list members, ETag support)
//   - POST   /chats/{id}/participants            (add a member)
//   - DELETE /chats/{id}/participants/{userId}   (remove a member)
//
// Membership is what the relay authorizes room joins and sends against.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/services"
	"github.com/tbourn/go-chat-realtime/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService defines chat and membership operations consumed by HTTP handlers.
type ChatService interface {
	Create(ctx context.Context, userID, id, title string) (*domain.Chat, error)
	List(ctx context.Context, userID string) ([]domain.Chat, error)
	Participants(ctx context.Context, userID, chatID string) ([]string, error)
	AddParticipant(ctx context.Context, actorID, chatID, userID string) error
	RemoveParticipant(ctx context.Context, actorID, chatID, userID string) error
	ParticipantStats(ctx context.Context, chatID string) (int64, *time.Time, error)
}

// MessageService defines durable message operations.
type MessageService interface {
	Post(ctx context.Context, userID, chatID string, req services.PostRequest) (*domain.Message, bool, error)
	ListPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error)
	Stats(ctx context.Context, chatID string) (int64, *time.Time, error)
	Edit(ctx context.Context, userID, chatID, messageID, content string) (*domain.Message, error)
	Delete(ctx context.Context, userID, chatID, messageID string) error
}

// ReceiptService defines read receipts and reactions.
type ReceiptService interface {
	MarkRead(ctx context.Context, userID, chatID, messageID string, at time.Time) (*domain.Message, error)
	React(ctx context.Context, userID, chatID, messageID, emoji string) (*domain.Message, bool, error)
}

// PresenceService answers presence lookups.
type PresenceService interface {
	Get(ctx context.Context, userID string) (domain.Presence, error)
	List(ctx context.Context) ([]domain.Presence, error)
}

// FeedService serves change-feed pages.
type FeedService interface {
	Changes(ctx context.Context, userID string, req services.ChangesRequest) ([]domain.Change, int64, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints. It depends on abstract service interfaces
// to keep transport concerns separate from business logic.
type Handlers struct {
	chatSvc     ChatService
	msgSvc      MessageService
	receiptSvc  ReceiptService
	presenceSvc PresenceService
	feedSvc     FeedService

	// FeedWait is the long-poll duration used when a changes request does
	// not specify one.
	FeedWait time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
func New(chatSvc ChatService, msgSvc MessageService, receiptSvc ReceiptService, presenceSvc PresenceService, feedSvc FeedService) *Handlers {
	return &Handlers{
		chatSvc:     chatSvc,
		msgSvc:      msgSvc,
		receiptSvc:  receiptSvc,
		presenceSvc: presenceSvc,
		feedSvc:     feedSvc,
		FeedWait:    25 * time.Second,
	}
}

// userID extracts the caller identity from the Gin context (set by upstream
// middleware) or the X-User-ID header. The identity provider is opaque to
// this service.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		return strings.TrimSpace(c.GetHeader("X-User-ID"))
	}
	return ""
}

// requireUser returns the caller identity or writes a 401.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// CreateChatRequest is the JSON payload for creating a chat.
type CreateChatRequest struct {
	// ChatID optionally fixes the chat identifier; one is generated when empty.
	ChatID string `json:"chatId" example:"room-42"`
	// Title optionally sets the chat title; a default is used when empty.
	Title string `json:"title" example:"Release planning"`
}

// AddParticipantRequest is the JSON payload for adding a member.
type AddParticipantRequest struct {
	UserID string `json:"userId" binding:"required" example:"bob"`
}

// ListChatsResponse wraps the caller's chats.
type ListChatsResponse struct {
	Chats []domain.Chat `json:"chats"`
}

// ParticipantsResponse lists the members of a chat.
type ParticipantsResponse struct {
	ChatID       string   `json:"chatId"`
	Participants []string `json:"participants"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

// notModified sets a weak ETag and reports whether the client already has it.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func weakETag(kind, scope string, count int64, latest *time.Time) string {
	var ts int64
	if latest != nil {
		ts = latest.UnixNano()
	}
	return fmt.Sprintf(`W/"%s:%s:%d:%d"`, kind, scope, count, ts)
}

//
// Handlers
//

// CreateChat godoc
// @ID          createChat
// @Summary     Create a chat
// @Description Creates a chat with the caller as its first participant.
// @Tags        Chats
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Param       body       body    handlers.CreateChatRequest  true  "Create chat payload"
//
// @Success     201  {object}  domain.Chat
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     409  {object}  handlers.ErrorResponse  "Chat id in use"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats [post]
func (h *Handlers) CreateChat(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ch, err := h.chatSvc.Create(c.Request.Context(), uid, req.ChatID, req.Title)
	if err != nil {
		failService(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, ch)
}

// ListChats godoc
// @ID          listChats
// @Summary     List chats
// @Description Returns the chats the caller participates in, most recently active first.
// @Tags        Chats
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Success     200  {object} handlers.ListChatsResponse
// @Failure     401  {object} handlers.ErrorResponse "Missing identity"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	items, err := h.chatSvc.List(c.Request.Context(), uid)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.Chat{}
	}
	ok(c, http.StatusOK, ListChatsResponse{Chats: items})
}

// ListParticipants godoc
// @ID          listParticipants
// @Summary     List chat members
// @Tags        Chats
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Param       id         path    string  true  "Chat ID"          example(room-42)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Success     200  {object} handlers.ParticipantsResponse
// @Header      200  {string} ETag  "Weak ETag for current membership"
// @Success     304  {string} string "Not Modified"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Router      /chats/{id}/participants [get]
func (h *Handlers) ListParticipants(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	chatID := c.Param("id")
	users, err := h.chatSvc.Participants(c.Request.Context(), uid, chatID)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	if n, latest, err := h.chatSvc.ParticipantStats(c.Request.Context(), chatID); err == nil {
		if notModified(c, weakETag("members", chatID, n, latest)) {
			return
		}
	}
	if users == nil {
		users = []string{}
	}
	ok(c, http.StatusOK, ParticipantsResponse{ChatID: chatID, Participants: users})
}

// AddParticipant godoc
// @ID          addParticipant
// @Summary     Add a chat member
// @Tags        Chats
// @Accept      json
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Param       id         path    string  true  "Chat ID"          example(room-42)
// @Param       body       body    handlers.AddParticipantRequest  true  "Member to add"
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Router      /chats/{id}/participants [post]
func (h *Handlers) AddParticipant(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "userId required")
		return
	}
	if err := h.chatSvc.AddParticipant(c.Request.Context(), uid, c.Param("id"), strings.TrimSpace(req.UserID)); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// RemoveParticipant godoc
// @ID          removeParticipant
// @Summary     Remove a chat member
// @Tags        Chats
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Param       id         path    string  true  "Chat ID"          example(room-42)
// @Param       userId     path    string  true  "Member to remove" example(bob)
// @Success     204  {string} string "No Content"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Chat or member not found"
// @Router      /chats/{id}/participants/{userId} [delete]
func (h *Handlers) RemoveParticipant(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	if err := h.chatSvc.RemoveParticipant(c.Request.Context(), uid, c.Param("id"), c.Param("userId")); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
