// Package httpapi wires the HTTP transport (Gin) to the relay, application
// services, middleware and route handlers. It centralizes cross-cutting
// concerns: tracing, correlation IDs, identity, logging with redaction,
// panic recovery, metrics, idempotency, rate limiting, CORS and security
// headers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-chat-realtime/internal/config"
	"github.com/tbourn/go-chat-realtime/internal/http/docs"
	"github.com/tbourn/go-chat-realtime/internal/http/handlers"
	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/relay"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/services"
	"github.com/tbourn/go-chat-realtime/internal/store"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Deps are the long-lived components the routes serve from. Relay may be
// nil, in which case /ws is not mounted and presence comes from the store
// alone. Clock defaults to the real clock.
type Deps struct {
	Store *store.Store
	Relay *relay.Relay
	Clock clockwork.Clock
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID and Identity: correlation id and caller
//  3. AccessLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after the logger is attached
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before the rate limiter so replays bypass it)
//  8. Rate limiter (per user/IP)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	st := deps.Store
	clk := deps.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.AccessLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{},
		func(ctx context.Context, userID, chatID, key string) (bool, error) {
			m, err := st.GetMessage(ctx, chatID, key)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return m.Sender == userID, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	useCORS(r, cfg.CORS.AllowedOrigins)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if deps.Relay != nil {
			status["online"] = len(deps.Relay.Online())
		}
		c.JSON(http.StatusOK, status)
	})

	// The push channel sits outside the gzip group: compression middleware
	// must not wrap a hijacked connection.
	if deps.Relay != nil {
		r.GET("/ws", gin.WrapF(deps.Relay.ServeWS))
	}

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	presenceSvc := &services.PresenceService{Store: st}
	if deps.Relay != nil {
		presenceSvc.Live = deps.Relay
	}
	h := handlers.New(
		services.NewChatService(st.DB(), services.RepoShim{}),
		&services.MessageService{Store: st, Clock: clk, MaxContentRunes: cfg.Realtime.MaxContentRunes},
		&services.ReceiptService{Store: st, Clock: clk},
		presenceSvc,
		&services.FeedService{Store: st, MaxWait: cfg.Changes.LongPoll},
	)
	h.FeedWait = cfg.Changes.LongPoll

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.POST("/chats", h.CreateChat)
		api.GET("/chats", h.ListChats)
		api.GET("/chats/:id/participants", h.ListParticipants)
		api.POST("/chats/:id/participants", h.AddParticipant)
		api.DELETE("/chats/:id/participants/:userId", h.RemoveParticipant)

		api.GET("/chats/:id/messages", h.ListMessages)
		api.POST("/chats/:id/messages", h.PostMessage)
		api.PATCH("/chats/:id/messages/:msgId", h.EditMessage)
		api.DELETE("/chats/:id/messages/:msgId", h.DeleteMessage)
		api.POST("/chats/:id/messages/:msgId/read", h.MarkRead)
		api.POST("/chats/:id/messages/:msgId/reactions", h.React)

		api.GET("/changes", h.Changes)
		api.GET("/presence", h.ListPresence)
		api.GET("/presence/:userId", h.GetPresence)
	}
}

// useCORS installs gin-contrib/cors. With no configured origins (or "*")
// every origin is allowed without credentials; otherwise the allowlist is
// echoed.
func useCORS(r *gin.Engine, origins []string) {
	base := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
			middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 || slices.Contains(origins, "*") {
		// ACAO: * even without an Origin header, for health checks and curl
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		base.AllowAllOrigins = true
		r.Use(cors.New(base))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	base.AllowOrigins = origins
	r.Use(cors.New(base))
}

// limitBody caps the request body at maxBytes; larger bodies fail to decode.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
