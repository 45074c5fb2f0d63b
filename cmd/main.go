package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/chat"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/config"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/connection"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/handler"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/hub"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/overlay"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/presence"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/window"
	pkglog "github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
	"golang.org/x/time/rate"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	instanceID := cfg.Store.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	// Initialize structured logger
	logCfg := cfg.Log
	logCfg.InstanceID = instanceID
	pkglog.Init(logCfg)
	logger := pkglog.L()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).
		Str("pubsub", cfg.PubSub.Driver).
		Msg("starting discussion-service")

	// Connection manager; nothing is opened until the first overlay or the warm-up below
	opener := connection.NewDriverOpener(connection.StoreOptions{
		Driver:        cfg.Store.Driver,
		Redis:         cfg.Store.Redis,
		PresenceRedis: cfg.Store.PresenceRedis,
		PubSub:        cfg.PubSub,
	})
	manager := connection.NewManager(connection.Config{
		InstanceID:     instanceID,
		CloseWhenIdle:  cfg.Store.CloseWhenIdle,
		ConnectTimeout: cfg.Store.ConnectTimeout,
	}, opener)

	stopWatch := manager.Watch(func(st domain.Status) {
		if st.Connected() {
			metrics.StoreConnected.Set(1)
		} else {
			metrics.StoreConnected.Set(0)
		}
		logger.Info().Str(pkglog.FieldState, st.State.String()).Bool("presence", st.Presence).Str("reason", st.Reason).Msg("store status changed")
	})
	defer stopWatch()

	stream := chat.NewStream(manager, chat.Config{
		HistoryLimit: cfg.Chat.HistoryLimit,
		SendTimeout:  cfg.Chat.SendTimeout,
	})
	tracker := presence.NewTracker(manager, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		SweepInterval:     cfg.Presence.SweepInterval,
		StaleAfter:        cfg.Presence.StaleAfter,
		LeaveTimeout:      cfg.Presence.LeaveTimeout,
	})

	// Create hub
	h := hub.NewHub()
	go h.Run()

	overlayCfg := overlay.Config{
		Window: window.Config{
			MinWidth:          cfg.Window.MinWidth,
			MinHeight:         cfg.Window.MinHeight,
			MaxWidthFraction:  cfg.Window.MaxWidthFraction,
			MaxHeightFraction: cfg.Window.MaxHeightFraction,
		},
		DefaultSize: window.Size{Width: cfg.Overlay.DefaultWidth, Height: cfg.Overlay.DefaultHeight},
		SendRate:    rate.Limit(cfg.Chat.SendRate),
		SendBurst:   cfg.Chat.SendBurst,
		NoticeTTL:   cfg.Overlay.NoticeTTL,
		Location:    time.Local,
	}
	deps := overlay.Deps{Conn: manager, Stream: stream, Presence: tracker, Config: overlayCfg}

	// Create handlers
	wsHandler := handler.NewWSHandler(h, deps, cfg.WebSocket)
	httpHandler := handler.NewHTTPHandler(manager, stream, tracker, h)

	// Setup routes
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), pkglog.GinMiddleware(logger), metrics.GinMiddleware())
	wsHandler.RegisterRoutes(router)
	httpHandler.RegisterRoutes(router)

	// Warm the connection so the first overlay does not pay for it
	warmCtx, cancelWarm := context.WithTimeout(context.Background(), cfg.Store.ConnectTimeout)
	go func() {
		defer cancelWarm()
		ctx := pkglog.WithLogger(warmCtx, logger)
		if _, err := manager.Initialize(ctx); err != nil {
			logger.Warn().Err(err).Msg("store not reachable at startup, overlays will retry")
			return
		}
		if err := manager.TestPermissions(ctx); err != nil {
			logger.Warn().Err(err).Msg("store permission check failed")
		}
	}()

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", addr).Msg("discussion-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down discussion-service")
	cancelWarm()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		h.Shutdown() // 1. close all sockets; each overlay unmounts and leaves

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}

		// 2. overlays release their handle after leaving the roster
		waitIdle(manager, cfg.Presence.LeaveTimeout)
		if err := manager.Close(); err != nil {
			logger.Error().Err(err).Msg("store close error")
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("discussion-service stopped")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out after 30s")
	}
}

func waitIdle(m *connection.Manager, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for m.Refs() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
