package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/clients"
	"github.com/codeframe/api/internal/config"
	"github.com/codeframe/api/internal/database"
	"github.com/codeframe/api/internal/embedding"
	"github.com/codeframe/api/internal/generation"
	"github.com/codeframe/api/internal/handlers"
	"github.com/codeframe/api/internal/hierarchy"
	"github.com/codeframe/api/internal/middleware"
	"github.com/codeframe/api/internal/queue"
	"github.com/codeframe/api/internal/telemetry"

	_ "github.com/codeframe/api/docs" // Swagger docs
)

// @title Codeframe API
// @version 0.1.0
// @description AI-assisted codeframe generation for free-text survey answers.
// @host localhost:8080
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zapConfig := zap.NewProductionConfig()
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()

	logger.Info("codeframe API starting",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Environment),
	)

	shutdownTelemetry, err := telemetry.InitTracer(ctx, "codeframe-api")
	if err != nil {
		// Collector may be down; traces are not worth refusing to boot for.
		logger.Error("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Error("failed to shutdown telemetry", zap.Error(err))
			}
		}()
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	taskQueue, err := queue.Connect(cfg.NATSURL, rdb, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer taskQueue.Close()

	ai := clients.NewAIService(cfg.AIServiceURL, logger)

	// Stores
	generations := generation.NewPGStore(db)
	answers := generation.NewPGAnswerStore(db)
	assignments := generation.NewPGAssignmentStore(db)
	nodes := hierarchy.NewPGStore(db)
	embeddings := embedding.NewPGStore(db)

	cache := embedding.NewCache(embeddings, ai, cfg.Generation.EmbeddingModel, cfg.Generation.EmbeddingTimeout, logger)

	// Pipeline
	brand := generation.NewBrandRunner(generations, nodes, ai,
		cfg.Generation.BrandTimeout, cfg.Generation.WatchdogInterval, logger)
	orchestrator := generation.NewOrchestrator(generations, answers, nodes, cache, ai, taskQueue, brand, cfg.Generation, logger)
	applyEngine := generation.NewApplyEngine(generations, answers, nodes, cache, assignments, cfg.Generation.AutoConfirmThreshold, logger)
	editor := hierarchy.NewEditor(nodes, logger)

	worker := generation.NewWorker(generations, nodes, ai,
		cfg.Generation.CodegenTimeout, generation.FailWholeGeneration, logger)
	if err := taskQueue.ConsumeClusterTasks(ctx, cfg.Generation.WorkerCount, worker.Handle); err != nil {
		logger.Fatal("failed to start cluster workers", zap.Error(err))
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())

	router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := handlers.NewHealthHandler(db, rdb, taskQueue, ai)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/deep", healthHandler.DeepHealth)

	codeframeHandler := handlers.NewCodeframeHandler(orchestrator, applyEngine, logger)
	hierarchyHandler := handlers.NewHierarchyHandler(generations, nodes, editor, logger)

	v1 := router.Group("/api/v1")
	{
		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg.JWTSecret))
		protected.Use(middleware.RateLimitMiddleware(middleware.DefaultRateLimiter))
		{
			codeframe := protected.Group("/codeframe")
			{
				// Starting a generation is expensive: stricter limit plus
				// circuit breaker in front of the AI service.
				generate := codeframe.Group("")
				generate.Use(middleware.RateLimitMiddleware(middleware.StrictRateLimiter))
				generate.Use(middleware.CircuitBreakerMiddleware(middleware.AIServiceCircuitBreaker))
				generate.POST("/generate", codeframeHandler.StartGeneration)

				codeframe.GET("/generation/:id", codeframeHandler.GetGeneration)
				codeframe.GET("/generation/:id/hierarchy", hierarchyHandler.GetTree)
				codeframe.POST("/generation/:id/apply", codeframeHandler.ApplyCodeframe)
				codeframe.DELETE("/generation/:id", codeframeHandler.DeleteGeneration)
				codeframe.GET("/category/:categoryId/generations", codeframeHandler.ListGenerations)

				codeframe.PUT("/node/:id/rename", hierarchyHandler.Rename)
				codeframe.POST("/nodes/merge", hierarchyHandler.Merge)
				codeframe.PUT("/node/:id/move", hierarchyHandler.Move)
				codeframe.DELETE("/node/:id", hierarchyHandler.DeleteNode)
			}
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
