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

	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/config"
	"github.com/storyreel/api/internal/handler"
	"github.com/storyreel/api/internal/middleware"
	"github.com/storyreel/api/internal/orchestrator"
	"github.com/storyreel/api/internal/service"
	"github.com/storyreel/api/internal/worker"
	ws "github.com/storyreel/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create storage directories: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize engine client and orchestrator
	engine := client.NewComfyClient(&cfg.Engine)
	if engine.Ping(ctx) {
		log.Printf("Engine reachable at %s", cfg.Engine.BaseURL())
	} else {
		log.Printf("Warning: engine not reachable at %s", cfg.Engine.BaseURL())
	}

	monitor := orchestrator.NewResourceMonitor(cfg.Monitor, []string{cfg.Storage.TempDir})
	monitor.Start()
	defer monitor.Stop()

	orch := orchestrator.New(engine, cfg)
	scheduler := orchestrator.NewBatchScheduler(orch, monitor, cfg.Generate.BatchSize)

	// Initialize services
	generationService := service.NewGenerationService(redisClient, asynqClient)

	// Initialize handlers
	generationHandler := handler.NewGenerationHandler(generationService, validate)
	systemHandler := handler.NewSystemHandler(engine, monitor)

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// API routes
	api := app.Group("/api")

	// Generation routes
	generate := api.Group("/generate")
	generate.Post("/images", rateLimiter.Limit("image", cfg.RateLimit.ImagePerHour), generationHandler.StartImages)
	generate.Post("/video", rateLimiter.Limit("video", cfg.RateLimit.VideoPerHour), generationHandler.StartVideo)
	generate.Post("/speech", rateLimiter.Limit("speech", cfg.RateLimit.SpeechPerHour), generationHandler.StartSpeech)
	generate.Get("/status/:jobId", generationHandler.Status)
	generate.Get("/result/:jobId", generationHandler.Result)

	// System routes
	api.Get("/system/status", systemHandler.Status)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, redisClient, hub, orch, scheduler)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, redisClient *redis.Client, hub *ws.Hub,
	orch *orchestrator.Orchestrator, scheduler *orchestrator.BatchScheduler) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			// The engine runs one job at a time; a second in-flight task
			// would only queue inside the engine and skew every timeout.
			Concurrency: 1,
			Queues: map[string]int{
				"generate": 1,
			},
		},
	)

	generationWorker := worker.NewGenerationWorker(redisClient, hub, orch, scheduler)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeImage, generationWorker.ProcessImageTask)
	mux.HandleFunc(service.TaskTypeVideo, generationWorker.ProcessVideoTask)
	mux.HandleFunc(service.TaskTypeSpeech, generationWorker.ProcessSpeechTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
