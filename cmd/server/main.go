package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/api"
	"github.com/kavinraj-m/opschat/internal/chat"
	"github.com/kavinraj-m/opschat/internal/config"
	"github.com/kavinraj-m/opschat/internal/db"
	"github.com/kavinraj-m/opschat/internal/hub"
	"github.com/kavinraj-m/opschat/internal/middleware"
	"github.com/kavinraj-m/opschat/internal/observ"
	"github.com/kavinraj-m/opschat/internal/repository/postgres"
	"github.com/kavinraj-m/opschat/internal/unread"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres
	//
	// Background() at startup: there's no parent request or deadline
	// yet — startup takes as long as it needs to connect.
	// ---------------------------------------------------------------
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	// ---------------------------------------------------------------
	// 4. Connect to Redis
	//
	// Redis carries the unread counters and the cross-node event
	// fan-out. A failed ping is fatal in production; in development we
	// degrade to in-memory counters and local-only delivery.
	// ---------------------------------------------------------------
	var rdb *redis.Client
	var counter unread.Counter
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb = redis.NewClient(redisOpts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		if cfg.Env == "production" {
			return fmt.Errorf("ping redis: %w", err)
		}
		logger.Warn("redis unavailable, using in-memory counters", zap.Error(err))
		rdb = nil
		counter = unread.NewMemoryCounter()
	} else {
		defer rdb.Close()
		counter = unread.NewRedisCounter(rdb, logger)
	}

	// ---------------------------------------------------------------
	// 5. Repositories, hub, chat service
	// ---------------------------------------------------------------
	pool := database.Pool()
	orgRepo := postgres.NewOrgStore(pool)
	userRepo := postgres.NewUserStore(pool)
	threadRepo := postgres.NewThreadStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	receiptRepo := postgres.NewReceiptStore(pool)

	h := hub.New(rdb, logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go h.Run(hubCtx)

	svc := chat.NewService(threadRepo, messageRepo, receiptRepo, userRepo, counter, h, logger)

	// ---------------------------------------------------------------
	// 6. Handlers and routes
	// ---------------------------------------------------------------
	authHandler := api.NewAuthHandler(userRepo, orgRepo, threadRepo, cfg.JWTSecret, logger)
	userHandler := api.NewUserHandler(userRepo, logger)
	threadHandler := api.NewThreadHandler(svc, logger)
	messageHandler := api.NewMessageHandler(svc, logger)
	wsHandler := api.NewWSHandler(h, svc, cfg.JWTSecret, logger)

	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	logger.Info("starting opschat",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)

	// Health check is PUBLIC — load balancers hit this unauthenticated.
	srv.GET("/v1/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	srv.POST("/v1/auth/signup", authHandler.Signup)
	srv.POST("/v1/auth/login", authHandler.Login)

	// The push channel authenticates via query param inside the
	// handler, so it sits outside the header middleware too.
	srv.GET("/v1/ws", wsHandler.Handle)

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	v1.GET("/users", userHandler.List)
	v1.GET("/users/me", userHandler.Me)

	v1.GET("/threads", threadHandler.List)
	v1.POST("/threads/direct", threadHandler.CreateDirect)
	v1.POST("/threads/:id/read", threadHandler.MarkRead)
	v1.GET("/threads/:id/messages", messageHandler.List)
	v1.POST("/threads/:id/messages", messageHandler.Create)

	return srv.Run(":" + cfg.Port)
}
