package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echochat/echochat/internal/config"
	"github.com/echochat/echochat/internal/database"
	"github.com/echochat/echochat/internal/handlers"
	"github.com/echochat/echochat/internal/presence"
	"github.com/echochat/echochat/internal/turn"
)

const AppVersion = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("echochat server starting", "version", AppVersion)

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		logger.Error("initialize database", "error", err)
		os.Exit(1)
	}

	turnServer, err := turn.Initialize(cfg.TURNPort, cfg.TURNRealm, logger)
	if err != nil {
		logger.Error("initialize turn server", "error", err)
		os.Exit(1)
	}
	defer turnServer.Close()

	registry := presence.NewRegistry()
	h := handlers.New(cfg, db, registry, turnServer, logger)

	router := setupRouter(h, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go h.RunSweep(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     log.New(&slogLineWriter{logger: logger, level: slog.LevelWarn}, "", 0),
	}

	go func() {
		logger.Info("http server listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}

func setupRouter(h *handlers.Handlers, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(slogGinLogger(logger), gin.Recovery())

	// CORS for browser clients.
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	api := router.Group("/api")
	{
		api.POST("/auth/register", h.Register)
		api.POST("/auth/login", h.Login)
		api.GET("/push/vapid-key", h.GetVAPIDPublicKey)

		// The websocket handler authenticates itself from the token
		// query parameter.
		api.GET("/ws", h.HandleWebSocket)

		authorized := api.Group("", h.AuthMiddleware())
		{
			authorized.GET("/me", h.GetMe)
			authorized.GET("/ice-config", h.GetICEConfig)

			authorized.POST("/friends", h.RequestFriend)
			authorized.PATCH("/friends/:id", h.RespondFriend)
			authorized.GET("/friends", h.ListFriends)

			authorized.POST("/calls", h.StartCall)
			authorized.GET("/calls", h.CallHistory)
			authorized.GET("/calls/:id", h.GetCall)
			authorized.PATCH("/calls/:id/accept", h.AcceptCall)
			authorized.PATCH("/calls/:id/reject", h.RejectCall)
			authorized.PATCH("/calls/:id/end", h.EndCall)

			authorized.POST("/push/subscribe", h.SubscribePush)
			authorized.POST("/push/unsubscribe", h.UnsubscribePush)
		}
	}

	return router
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
