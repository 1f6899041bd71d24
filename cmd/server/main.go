package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clipforge/api/internal/auth"
	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/dispatch"
	"github.com/clipforge/api/internal/handler"
	"github.com/clipforge/api/internal/logging"
	"github.com/clipforge/api/internal/media"
	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/orchestrator"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/stage"
	"github.com/clipforge/api/internal/store"
	ws "github.com/clipforge/api/internal/websocket"
	"github.com/clipforge/api/internal/worker"
	"github.com/clipforge/api/pkg/response"
)

const taskRetention = 24 * time.Hour

// @title          Clipforge API
// @version        1.0
// @description    Pipeline orchestration for short-form explainer videos.
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Warn("redis not available", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	// Stores
	schemaValidator, err := store.NewValidator()
	if err != nil {
		zlog.Fatal("failed to load context schemas", zap.Error(err))
	}
	contexts := store.NewRedisContextStore(redisClient, schemaValidator)
	executions := store.NewExecutionStore(redisClient)

	// WebSocket hub
	hub := ws.NewHub(zlog.Named("websocket"))
	go hub.Run()

	// External clients; unconfigured ones fall back to deterministic mocks
	groqClient := client.NewGroqClient(&cfg.Groq, zlog)
	ttsClient := client.NewTTSClient(&cfg.TTS, zlog)
	assemblyClient := client.NewAssemblyClient(&cfg.Assembly, zlog)
	publishClient := client.NewPublishClient(&cfg.Publish, zlog)
	pexelsClient := client.NewPexelsClient(&cfg.Media, zlog)
	pixabayClient := client.NewPixabayClient(&cfg.Media, zlog)

	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			zlog.Warn("R2 client not initialized", zap.Error(err))
		} else {
			storage = r2Client
		}
	} else {
		zlog.Info("R2 storage not configured, narration uses synthetic locators")
	}

	// OIDC JWKS verifier (optional, falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.OIDC.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			zlog.Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			tokenVerifier = jwksVerifier
			defer jwksVerifier.Close()
		}
	}
	authenticator := auth.NewAuthenticator(tokenVerifier, cfg.JWT.Secret)

	// Stages
	engine := media.NewEngine(
		client.ConfiguredProviders(pexelsClient, pixabayClient),
		media.WithThrottle(media.NewThrottle(time.Duration(cfg.Media.MinIntervalMs)*time.Millisecond)),
		media.WithLogger(zlog.Named("media")),
	)
	registry := stage.NewRegistry(
		stage.NewTopicStage(contexts, executions, groqClient, zlog),
		stage.NewScriptStage(contexts, groqClient, zlog),
		stage.NewMediaStage(contexts, engine, zlog),
		stage.NewAudioStage(contexts, ttsClient, storage, cfg.TTS.Voice, time.Duration(cfg.TTS.Timeout)*time.Second, zlog),
		stage.NewAssemblyStage(contexts, assemblyClient, zlog),
		stage.NewPublishStage(contexts, publishClient, cfg.Publish.Platform, time.Duration(cfg.Publish.MaxWait)*time.Second, zlog),
	)

	// Dispatcher: long stages go out of band through asynq, or through an
	// in-process queue when running as a single binary
	var stageQueue dispatch.Queue
	var inspector *asynq.Inspector
	if cfg.Pipeline.InlineStages {
		stageQueue = dispatch.NewLocalQueue(registry.Run, cfg.Pipeline.PollMaxWait())
	} else {
		inspector = asynq.NewInspector(redisOpt)
		defer inspector.Close()
		stageQueue = dispatch.NewAsynqQueue(asynqClient, inspector, cfg.Pipeline.StageQueue, cfg.Pipeline.PollMaxWait(), taskRetention)
	}
	dispatcher := dispatch.NewDispatcher(registry.Run, stageQueue,
		dispatch.WithSyncBudget(cfg.Pipeline.SyncBudget()),
		dispatch.WithPollSchedule(dispatch.PollSchedule{
			Initial: time.Duration(cfg.Pipeline.PollInitialSec) * time.Second,
			Max:     time.Duration(cfg.Pipeline.PollMaxSec) * time.Second,
			MaxWait: cfg.Pipeline.PollMaxWait(),
		}),
		dispatch.WithLogger(zlog.Named("dispatch")),
	)

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Pipeline.MaxAttempts
	policy.BaseDelay = cfg.Pipeline.RetryBase()
	policy.MaxDelay = cfg.Pipeline.RetryMax()
	policy.VisibilityBase = time.Duration(cfg.Pipeline.VisibilityBaseMs) * time.Millisecond
	policy.VisibilityMax = time.Duration(cfg.Pipeline.VisibilityMaxMs) * time.Millisecond
	policy.VisibilityReads = cfg.Pipeline.VisibilityReads

	orch := orchestrator.New(contexts, executions, registry, dispatcher,
		orchestrator.WithPolicy(policy),
		orchestrator.WithNotifier(hub),
		orchestrator.WithLogger(zlog.Named("orchestrator")),
	)

	// Services and handlers
	pipelineService := service.NewPipelineService(executions, contexts, asynqClient, cfg.Pipeline.Queue)
	pipelineHandler := handler.NewPipelineHandler(pipelineService, orch, validate)
	authHandler := handler.NewAuthHandler(authenticator)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		zlog.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(authenticator, zlog).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, zlog)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"groq":     groqClient.IsConfigured(),
				"tts":      ttsClient.IsConfigured(),
				"pexels":   pexelsClient.IsConfigured(),
				"pixabay":  pixabayClient.IsConfigured(),
				"assembly": assemblyClient.IsConfigured(),
				"publish":  publishClient.IsConfigured(),
				"r2":       storage != nil,
				"auth":     tokenVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", apiAuthMiddleware)

	pipelines := api.Group("/pipelines")
	pipelines.Post("/", rateLimiter.PipelineLimit(cfg.RateLimit.PipelinesPerHour), pipelineHandler.Start)
	pipelines.Get("/", pipelineHandler.List)
	pipelines.Get("/:projectId", pipelineHandler.Get)
	pipelines.Post("/:projectId/cancel", pipelineHandler.Cancel)
	pipelines.Post("/:projectId/stages/:stage", rateLimiter.StageLimit(cfg.RateLimit.StageInvokesPerMin), pipelineHandler.InvokeStage)
	pipelines.Get("/:projectId/contexts/:context", pipelineHandler.GetContext)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/pipelines/:projectId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("projectId"))
	}))

	pipelineWorker := worker.NewPipelineWorker(orch, hub, zlog.Named("worker"))
	stageWorker := worker.NewStageWorker(registry, zlog.Named("worker"))
	var servers []*asynq.Server
	for _, pool := range workerPools(cfg) {
		pool := pool
		mux := asynq.NewServeMux()
		switch pool.queue {
		case cfg.Pipeline.StageQueue:
			mux.HandleFunc(dispatch.TaskTypeStageExecute, stageWorker.ProcessTask)
		default:
			mux.HandleFunc(service.TaskTypePipelineRun, pipelineWorker.ProcessRun)
			mux.HandleFunc(service.TaskTypePipelineStage, pipelineWorker.ProcessStage)
		}
		srv := newWorkerServer(cfg, redisOpt, pool, zlog.Named("asynq."+pool.queue))
		servers = append(servers, srv)
		go func() {
			if err := srv.Run(mux); err != nil {
				zlog.Error("asynq worker error", zap.String("queue", pool.queue), zap.Error(err))
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zlog.Info("shutting down server")
		for _, srv := range servers {
			srv.Shutdown()
		}
		if local, ok := stageQueue.(*dispatch.LocalQueue); ok {
			local.Wait()
		}
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zlog.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	zlog.Info("server starting", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zlog.Fatal("server error", zap.Error(err))
	}
}

// workerPool is one asynq server consuming a single queue
type workerPool struct {
	queue       string
	concurrency int
}

// workerPools splits pipeline tasks and stage:execute tasks onto separate
// servers. An orchestrator awaiting a stage holds a pipeline slot, so one
// shared pool lets waiting pipelines starve the stages they wait for.
// Pipelines come first so shutdown stops them before the stages they await.
func workerPools(cfg *config.Config) []workerPool {
	pools := []workerPool{{queue: cfg.Pipeline.Queue, concurrency: cfg.Pipeline.WorkerConcurrency}}
	if !cfg.Pipeline.InlineStages {
		pools = append(pools, workerPool{queue: cfg.Pipeline.StageQueue, concurrency: cfg.Pipeline.StageConcurrency})
	}
	return pools
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, pool workerPool, zlog *zap.Logger) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: pool.concurrency,
		Queues:      map[string]int{pool.queue: 1},
		Logger:      zlog.Sugar(),
		LogLevel:    logging.AsynqLevel(cfg.Log.Level),
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
