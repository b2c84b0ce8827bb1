// Presence and change-feed HTTP handlers.
//
//   - GET /presence            (every known user)
//   - GET /presence/{userId}   (one user)
//   - GET /changes             (long-poll change feed for the caller's chats)
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

// PresenceListResponse wraps all known presence records.
type PresenceListResponse struct {
	Users []domain.Presence `json:"users"`
}

// ChangesResponse is one change-feed page. Clients pass Next back as after.
type ChangesResponse struct {
	Changes []domain.Change `json:"changes"`
	Next    int64           `json:"next"`
}

// ListPresence godoc
// @ID          listPresence
// @Summary     List presence
// @Tags        Presence
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Success     200  {object} handlers.PresenceListResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /presence [get]
func (h *Handlers) ListPresence(c *gin.Context) {
	if _, okUser := requireUser(c); !okUser {
		return
	}
	users, err := h.presenceSvc.List(c.Request.Context())
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	if users == nil {
		users = []domain.Presence{}
	}
	ok(c, http.StatusOK, PresenceListResponse{Users: users})
}

// GetPresence godoc
// @ID          getPresence
// @Summary     Get one user's presence
// @Tags        Presence
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity"  example(alice)
// @Param       userId     path    string  true  "User"             example(bob)
// @Success     200  {object} domain.Presence
// @Failure     404  {object} handlers.ErrorResponse "Unknown user"
// @Router      /presence/{userId} [get]
func (h *Handlers) GetPresence(c *gin.Context) {
	if _, okUser := requireUser(c); !okUser {
		return
	}
	p, err := h.presenceSvc.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, p)
}

// Changes godoc
// @ID          listChanges
// @Summary     Read the change feed
// @Description Long-polls for message and presence changes after the given cursor. after=-1 returns only the current head.
// @Tags        Changes
// @Produce     json
// @Param       X-User-ID  header  string  true   "Caller identity"  example(alice)
// @Param       after      query   int     false  "Cursor"           default(0)
// @Param       chat_id    query   string  false  "Limit to one chat"
// @Param       wait       query   string  false  "Long-poll duration (Go duration)"  example(25s)
// @Success     200  {object} handlers.ChangesResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Router      /changes [get]
func (h *Handlers) Changes(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var after int64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "after must be an integer")
			return
		}
		after = n
	}
	wait := h.FeedWait
	if v := c.Query("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "wait must be a duration")
			return
		}
		wait = d
	}

	rows, next, err := h.feedSvc.Changes(c.Request.Context(), uid, services.ChangesRequest{
		After:  after,
		ChatID: c.Query("chat_id"),
		Wait:   wait,
	})
	if err != nil {
		if c.Request.Context().Err() != nil {
			c.Abort()
			return
		}
		failService(c, err, ErrCodeFeedFailed)
		return
	}
	if rows == nil {
		rows = []domain.Change{}
	}
	c.Header("Cache-Control", "no-store")
	ok(c, http.StatusOK, ChangesResponse{Changes: rows, Next: next})
}
