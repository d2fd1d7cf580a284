// Package main runs the meeting coordination HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meetsync/backend/config"
	"github.com/meetsync/backend/internal/approvals"
	"github.com/meetsync/backend/internal/audit"
	"github.com/meetsync/backend/internal/auth"
	"github.com/meetsync/backend/internal/meetings"
	"github.com/meetsync/backend/internal/middleware"
	"github.com/meetsync/backend/internal/policy"
	"github.com/meetsync/backend/internal/realtime"
	"github.com/meetsync/backend/internal/roles"
	"github.com/meetsync/backend/internal/store"
	"github.com/meetsync/backend/pkg/database"
	"github.com/meetsync/backend/pkg/queue"
	"github.com/meetsync/backend/pkg/redis"
	"github.com/meetsync/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var authority policy.Client
	if cfg.Authority.Mode == "memory" {
		authority = policy.NewMemory()
		logger.Info("using in-process access authority")
	} else {
		authority = policy.NewHTTPClient(
			cfg.Authority.BaseURL,
			cfg.Authority.APIKey,
			time.Duration(cfg.Authority.TimeoutSec)*time.Second,
			logger,
		)
	}

	deviceStore := store.NewRedisStore(rdb.Client, logger)

	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	bus := realtime.NewBus(logger, pubsub, pubsub)
	defer bus.Close()
	realtime.MirrorStore(bus, deviceStore, logger)

	grants := auth.NewGrantService(cfg.Grant.Secret, time.Duration(cfg.Grant.ExpireHours)*time.Hour)
	approvalMgr := approvals.NewManager(authority, cfg.Authority.Namespace, cfg.Sync.DecisionRetention, logger)
	roleCoord := roles.NewCoordinator(authority, cfg.Authority.Namespace, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	serverConn := bus.Connect("server")
	service := meetings.NewService(
		authority, deviceStore, approvalMgr, roleCoord,
		grants, serverConn, jobQueue, cfg.Authority.Namespace, logger,
	)
	meetingHandler := meetings.NewHandler(service)

	auditRepo := audit.NewRepository(pool)
	auditHandler := audit.NewHandler(auditRepo)

	hub := realtime.NewHub(bus, logger)

	grantValidate := func(token string) (userKey, meetingKey string, err error) {
		claims, err := grants.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserKey, claims.MeetingKey, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Public: creation and the join flow itself run before any grant exists.
	router.POST("/meetings", meetingHandler.Create)
	router.GET("/meetings/:id", meetingHandler.Get)
	router.POST("/meetings/:id/join", meetingHandler.Join)

	// Protected API (join grant required; grant must match the meeting).
	api := router.Group("/meetings/:id")
	api.Use(middleware.Grant(grants))
	{
		api.GET("/approvals", meetingHandler.ListApprovals)
		api.POST("/approvals/:approvalId", meetingHandler.Decide)
		api.POST("/roles", meetingHandler.SetRole)
		api.GET("/participants", meetingHandler.Participants)
		api.DELETE("/participants/:userKey", meetingHandler.RemoveParticipant)
		api.POST("/permissions", meetingHandler.Permissions)
		api.POST("/speaking", meetingHandler.SetSpeaking)
		api.GET("/audit", auditHandler.List)
	}

	// WebSocket (grant in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, bus, logger, grantValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
