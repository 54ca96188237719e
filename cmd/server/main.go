package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/auth"
	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/config"
	"github.com/makeasinger/songgen/internal/generation"
	"github.com/makeasinger/songgen/internal/handler"
	"github.com/makeasinger/songgen/internal/ledger"
	applog "github.com/makeasinger/songgen/internal/logger"
	"github.com/makeasinger/songgen/internal/middleware"
	"github.com/makeasinger/songgen/internal/schedule"
	"github.com/makeasinger/songgen/internal/store"
	"github.com/makeasinger/songgen/internal/store/memory"
	"github.com/makeasinger/songgen/internal/store/postgres"
	ws "github.com/makeasinger/songgen/internal/websocket"
	"github.com/makeasinger/songgen/internal/worker"
	"github.com/makeasinger/songgen/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log := applog.New(cfg.Server.LogLevel, cfg.Server.Env)
	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisOK := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisOK = false
		log.Warn().Err(err).Msg("redis not available, rate limiting and artifact sync retries disabled")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Remote persistence
	var (
		persistence store.Persistence
		pool        *pgxpool.Pool
	)
	if cfg.Database.URL != "" {
		pool, err = postgres.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		if err := postgres.Migrate(pool, log); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
		persistence = postgres.New(pool)
	} else {
		log.Info().Int64("initial_balance", cfg.Generation.InitialBalance).Msg("database not configured, using in-memory store")
		persistence = memory.New(cfg.Generation.InitialBalance)
	}

	// Local cache
	artifactCache, err := cache.Open(cfg.Cache.Dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Cache.Dir).Msg("failed to open local cache")
	}
	defer artifactCache.Close()

	// Job service
	sunoClient := client.NewSunoClient(&cfg.Suno, log)
	var jobs client.JobService = sunoClient
	if !sunoClient.IsConfigured() {
		log.Info().Msg("suno not configured, using mock job service")
		jobs = client.NewMockMusicClient(3)
	}

	// Initialize R2 client (optional - continues if not configured)
	var media client.MediaStorage
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn().Err(err).Msg("R2 client not initialized")
		} else {
			media = r2Client
		}
	}

	// Background artifact sync
	var syncer generation.ArtifactSyncer
	var asynqClient *asynq.Client
	if redisOK {
		asynqClient = asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		syncer = worker.NewEnqueuer(asynqClient, log)
	}

	validate := validator.New()

	hub := ws.NewHub(log)
	go hub.Run()

	manager := generation.NewManager(generation.Deps{
		Jobs:      jobs,
		Store:     persistence,
		Cache:     artifactCache,
		Ledger:    ledger.New(persistence, log),
		Media:     media,
		Sync:      syncer,
		Scheduler: schedule.NewRealtime(),
		Validate:  validate,
		Log:       log.With().Str("component", "generation").Logger(),
	}, generation.ConfigFrom(cfg.Generation), hub)

	// Zitadel OIDC verifier (optional - falls back to legacy JWT)
	var idp auth.Verifier
	if cfg.Zitadel.Issuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn().Err(err).Msg("OIDC verifier not initialized")
		} else {
			idp = v
		}
	}
	verifier := auth.NewChain(idp, cfg.JWT.Secret)

	generationHandler := handler.NewGenerationHandler(manager, validate, cfg.Generation.Cost, log)
	authHandler := handler.NewAuthHandler(verifier)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Info().Msg("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(verifier).Authenticate()
	}

	var redisForLimit *redis.Client
	if redisOK {
		redisForLimit = redisClient
	}
	rateLimiter := middleware.NewRateLimiter(redisForLimit, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"service": "songgen", "timestamp": time.Now().Unix()})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		pingCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"suno":     sunoClient.IsConfigured(),
				"database": persistence.Ping(pingCtx) == nil,
				"redis":    redisOK,
				"r2":       r2Client != nil,
				"auth":     idp != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", apiAuthMiddleware)

	generations := api.Group("/generations")
	generations.Post("/", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generationHandler.Submit)
	generations.Get("/state", generationHandler.State)

	api.Get("/credits", generationHandler.Credits)

	artifacts := api.Group("/artifacts")
	artifacts.Get("/", generationHandler.Artifacts)
	artifacts.Delete("/:id", generationHandler.DeleteArtifact)

	app.Get("/ws/generations",
		middleware.QueryToken(),
		apiAuthMiddleware,
		generationHandler.Upgrade(websocket.IsWebSocketUpgrade),
		websocket.New(func(c *websocket.Conn) {
			principal, _ := c.Locals("userId").(string)
			hub.HandleConnection(c, principal)
		}),
	)

	// Start Asynq worker server
	var workerServer *asynq.Server
	if redisOK {
		workerServer = worker.NewServer(redisOpt, cfg.Server.LogLevel, log)
		mux := asynq.NewServeMux()
		worker.NewArtifactSyncWorker(persistence, log).Register(mux)
		go func() {
			if err := workerServer.Run(mux); err != nil {
				log.Error().Err(err).Msg("asynq worker stopped")
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	manager.Close()
	hub.Stop()
	if workerServer != nil {
		workerServer.Shutdown()
	}
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
