// Command relay serves the realtime push channel, the REST API over the
// durable store and the change feed from one process.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-realtime/internal/cache"
	"github.com/tbourn/go-chat-realtime/internal/config"
	httpapi "github.com/tbourn/go-chat-realtime/internal/http"
	"github.com/tbourn/go-chat-realtime/internal/observability"
	"github.com/tbourn/go-chat-realtime/internal/relay"
	"github.com/tbourn/go-chat-realtime/internal/repo"
	"github.com/tbourn/go-chat-realtime/internal/retention"
	"github.com/tbourn/go-chat-realtime/internal/store"
	"github.com/tbourn/go-chat-realtime/internal/sysutil"
)

var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	if envErr != nil {
		logger.Debug().Msg("no .env file, using process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.Path, cfg.DB.DSN)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}
	st := store.New(db, store.WithLogger(logger))

	opts := relay.FromConfig(&cfg)
	opts.Logger = logger
	rdb, err := cache.Dial(ctx, cfg.Redis)
	if err != nil {
		// the mirror is optional; the store stays authoritative
		logger.Warn().Err(err).Msg("presence mirror disabled")
	}
	if rdb != nil {
		opts.Mirror = cache.NewPresenceMirror(rdb, "", logger)
	}
	rl := relay.New(st, opts)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{Store: st, Relay: rl}, cfg)

	janitor, err := retention.FromConfig(st, cfg.Changes, retention.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("retention")
	}
	janitorDone := janitor.Start(ctx)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("listen")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// live connections get a disconnect frame before the listener stops
	rl.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	<-janitorDone
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("otel shutdown")
	}
	logger.Info().Msg("relay stopped")
}
