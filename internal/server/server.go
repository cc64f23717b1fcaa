package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/api"
	"github.com/vibebetter/vibebetter-api/internal/config"
	"github.com/vibebetter/vibebetter-api/internal/services/analysis"
	"github.com/vibebetter/vibebetter-api/internal/services/auth"
	"github.com/vibebetter/vibebetter-api/internal/services/billing"
	"github.com/vibebetter/vibebetter-api/internal/services/circuitbreaker"
	"github.com/vibebetter/vibebetter-api/internal/services/credits"
	"github.com/vibebetter/vibebetter-api/internal/services/database"
	"github.com/vibebetter/vibebetter-api/internal/services/entitlement"
	"github.com/vibebetter/vibebetter-api/internal/services/feedback"
	"github.com/vibebetter/vibebetter-api/internal/services/middleware"
	"github.com/vibebetter/vibebetter-api/internal/services/purchases"
	"github.com/vibebetter/vibebetter-api/internal/services/scheduler"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// Server is one API server instance.
type Server struct {
	config  *config.Config
	app     *fiber.App
	redis   *redis.Client
	db      *database.DB
	sweeper *scheduler.ReconcileSweeper
}

type serverServices struct {
	credits      *credits.Service
	purchases    *purchases.Service
	calculator   *entitlement.Calculator
	reconciler   *billing.Reconciler
	stripe       *billing.StripeService
	feedback     *feedback.Service
	analysis     *analysis.Service
	authProvider auth.Provider
}

// New creates a new Server instance with the given configuration.
// The cfg parameter is required and must not be nil.
func New(cfg *config.Config) *Server {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() to create config")
	}

	return &Server{config: cfg}
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(s.config)

	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}
	listenAddr := ":" + port

	s.app = createFiberApp(s.config)

	// === Infrastructure Setup ===
	db, err := database.New(*s.config.Database)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	s.db = db
	defer func() {
		if err := s.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}()

	redisClient, err := createRedisClient(s.config)
	if err != nil {
		return err
	}
	s.redis = redisClient
	if s.redis != nil {
		defer func() {
			if err := s.redis.Close(); err != nil {
				fiberlog.Errorf("Failed to close Redis client: %v", err)
			}
		}()
	}

	// === Services Initialization ===
	services, err := s.initializeServices()
	if err != nil {
		return err
	}

	// === Middleware & Routes ===
	setupMiddleware(s.app, s.config)
	s.setupRoutes(services)

	s.app.Get("/", welcomeHandler())

	// Background sweep for purchases stuck in pending.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if services.reconciler != nil {
		s.sweeper = scheduler.NewReconcileSweeper(services.reconciler, 0, 0)
		go s.sweeper.Start(ctx)
		defer s.sweeper.Stop()
	}

	fmt.Printf("Vibe Better API starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", s.config.Server.Environment)
	fmt.Printf("   Go version: %s\n", runtime.Version())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := s.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	}

	fiberlog.Info("Server shutting down gracefully...")
	if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	fiberlog.Info("Server shutdown completed successfully")

	return nil
}

func (s *Server) initializeServices() (*serverServices, error) {
	services := &serverServices{}

	services.credits = credits.NewService(s.db.DB)
	services.purchases = purchases.NewService(s.db.DB)
	services.feedback = feedback.NewService(s.db.DB)

	if err := services.credits.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate credit tables: %w", err)
	}
	if err := services.purchases.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate purchase tables: %w", err)
	}
	if err := services.feedback.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate feedback tables: %w", err)
	}

	resolver := entitlement.NewResolver(s.config.Plans)
	services.calculator = entitlement.NewCalculator(services.credits, resolver)

	if s.config.Billing != nil && s.config.Billing.SecretKey != "" {
		maxRetries := s.config.Billing.GrantMaxRetries
		services.reconciler = billing.NewReconciler(services.purchases, services.credits, maxRetries)
		services.stripe = billing.NewStripeService(*s.config.Billing, services.credits, services.reconciler)
	}

	if s.config.Auth != nil && s.config.Auth.Clerk != nil && s.config.Auth.Clerk.SecretKey != "" {
		services.authProvider = auth.NewClerkAuthProvider(s.config.Auth.Clerk.SecretKey)
	}

	if s.config.Analysis != nil && s.config.Analysis.Provider != "" {
		analysisSvc, err := s.buildAnalysisService(services)
		if err != nil {
			return nil, err
		}
		services.analysis = analysisSvc
		if err := services.analysis.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate analysis tables: %w", err)
		}
	}

	return services, nil
}

func (s *Server) buildAnalysisService(services *serverServices) (*analysis.Service, error) {
	cfg := s.config.Analysis

	var provider analysis.Provider
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("analysis.anthropic_api_key is required for the anthropic provider")
		}
		provider = analysis.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.Model)
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("analysis.openai_api_key is required for the openai provider")
		}
		provider = analysis.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported analysis provider: %s", cfg.Provider)
	}

	var resultCache *analysis.ResultCache
	var breaker analysis.Breaker
	if s.redis != nil {
		ttlSeconds := 0
		if s.config.Cache != nil {
			ttlSeconds = s.config.Cache.TTLSeconds
		}
		resultCache = analysis.NewResultCache(s.redis, ttlSeconds)
		breaker = circuitbreaker.NewForProvider(s.redis, provider.Name())
	} else {
		fiberlog.Info("Redis not configured - analysis cache and circuit breaker disabled")
	}

	return analysis.NewService(analysis.ServiceParams{
		DB:                 s.db.DB,
		Provider:           provider,
		Cache:              resultCache,
		Breaker:            breaker,
		Entitlements:       services.calculator,
		Credits:            services.credits,
		CreditsPerAnalysis: cfg.CreditsPerAnalysis,
		TimeoutSeconds:     cfg.TimeoutSeconds,
	}), nil
}

func (s *Server) setupRoutes(services *serverServices) {
	healthHandler := api.NewHealthHandler(s.db.DB, s.redis)
	s.app.Get("/health", healthHandler.HealthCheck)

	var authMiddleware *middleware.AuthMiddleware
	if services.authProvider != nil {
		authMiddleware = middleware.NewAuthMiddleware(services.authProvider, nil)
	}

	// Webhooks sit outside authentication; each handler verifies its own
	// provider signature.
	if services.stripe != nil {
		// The concrete identity provider can resolve emails for checkout
		// prefill; the interface stays narrow for everything else.
		emails, _ := services.authProvider.(api.EmailLookup)
		stripeHandler := api.NewStripeHandler(services.stripe, *s.config.Billing, emails)
		s.app.Post("/webhooks/payment", stripeHandler.HandleWebhook)

		if authMiddleware != nil {
			billingGroup := s.app.Group("/billing", authMiddleware.RequireAuth())
			billingGroup.Post("/checkout-session", stripeHandler.CreateCheckoutSession)
			billingGroup.Post("/portal-session", stripeHandler.CreatePortalSession)
		}
	}

	if services.authProvider != nil && s.config.Auth.Clerk.WebhookSecret != "" {
		var bonus int64
		if s.config.Billing != nil {
			bonus = s.config.Billing.SignupBonusCredits
		}
		clerkHandler := api.NewClerkWebhookHandler(s.config.Auth.Clerk.WebhookSecret, services.credits, bonus)
		s.app.Post("/webhooks/clerk", clerkHandler.HandleWebhook)
	}

	if authMiddleware != nil {
		creditsHandler := api.NewCreditsHandler(services.credits, services.purchases, services.calculator)
		creditsGroup := s.app.Group("/credits", authMiddleware.RequireAuth())
		creditsGroup.Get("/", creditsHandler.GetBalance)
		creditsGroup.Get("/transactions", creditsHandler.GetTransactionHistory)
		creditsGroup.Get("/packages", creditsHandler.GetPackages)

		s.app.Get("/purchases", authMiddleware.RequireAuth(), creditsHandler.GetPurchaseHistory)
	}

	feedbackHandler := api.NewFeedbackHandler(services.feedback)
	if authMiddleware != nil {
		s.app.Post("/feedback", authMiddleware.OptionalAuth(), feedbackHandler.SubmitFeedback)
		s.app.Get("/feedback", authMiddleware.OptionalAuth(), feedbackHandler.ListFeedback)
	} else {
		s.app.Post("/feedback", feedbackHandler.SubmitFeedback)
		s.app.Get("/feedback", feedbackHandler.ListFeedback)
	}

	if services.analysis != nil && authMiddleware != nil {
		analysisHandler := api.NewAnalysisHandler(services.analysis)
		analysesGroup := s.app.Group("/analyses", authMiddleware.RequireAuth())
		analysesGroup.Post("/", analysisHandler.CreateAnalysis)
		analysesGroup.Get("/", analysisHandler.ListAnalyses)
	}
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "Vibe Better API v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		ReadBufferSize:    8192,
		WriteBufferSize:   8192,
		CaseSensitive:     true,
		ServerHeader:      "VibeBetter",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:               300,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		},
	}))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, User-Agent",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
		ExposeHeaders:    "Content-Length, Content-Type",
	}))

	// Profiler (dev only)
	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info", "":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}
}

func createRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Cache == nil || !cfg.Cache.Enabled || cfg.Cache.RedisURL == "" {
		fiberlog.Info("Redis not configured - caching and circuit breakers disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.MaxRetries = 3

	client := redis.NewClient(opt)

	return testRedisConnectionWithRetry(client)
}

func testRedisConnectionWithRetry(client *redis.Client) (*redis.Client, error) {
	const maxAttempts = 3
	const baseDelay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()

		if err == nil {
			fiberlog.Infof("Redis connection established successfully (attempt %d/%d)", attempt, maxAttempts)
			return client, nil
		}

		fiberlog.Warnf("Redis connection failed (attempt %d/%d): %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * baseDelay)
		}
	}

	if err := client.Close(); err != nil {
		fiberlog.Errorf("Failed to close Redis client after connection failures: %v", err)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts", maxAttempts)
}

func welcomeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "Vibe Better API",
			"status":  "ok",
		})
	}
}
