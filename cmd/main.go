package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/payment-orchestrator/internal/api"
	"github.com/lexure-intelligence/payment-orchestrator/internal/config"
	"github.com/lexure-intelligence/payment-orchestrator/internal/database"
	"github.com/lexure-intelligence/payment-orchestrator/internal/eventbus"
	"github.com/lexure-intelligence/payment-orchestrator/internal/idempotency"
	"github.com/lexure-intelligence/payment-orchestrator/internal/models"
	"github.com/lexure-intelligence/payment-orchestrator/internal/orchestrator"
	"github.com/lexure-intelligence/payment-orchestrator/internal/providers"
	"github.com/lexure-intelligence/payment-orchestrator/internal/reconciliation"
	"github.com/lexure-intelligence/payment-orchestrator/internal/resilience"
	"github.com/lexure-intelligence/payment-orchestrator/internal/router"
	"github.com/lexure-intelligence/payment-orchestrator/internal/statuscache"
	"github.com/lexure-intelligence/payment-orchestrator/internal/vaultsecrets"
	"github.com/lexure-intelligence/payment-orchestrator/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting payment orchestrator")

	db, err := initDatabase(logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}

	if err := database.RunMigrations(db); err != nil {
		logger.Fatal("failed to run database migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	bus, err := eventbus.NewRedisBus(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("failed to initialize event bus", zap.Error(err))
	}

	if cfg.Vault.Address != "" {
		vaultClient, err := vaultsecrets.NewClient(cfg.Vault.Address, cfg.Vault.Token, cfg.Vault.TransitKey, "payment-orchestrator")
		if err != nil {
			logger.Warn("failed to initialize vault client, falling back to config-based secrets", zap.Error(err))
		} else if err := vaultClient.HealthCheck(context.Background()); err != nil {
			logger.Warn("vault health check failed, falling back to config-based secrets", zap.Error(err))
		} else {
			logger.Info("vault client initialized successfully")
		}
	} else {
		logger.Info("vault not configured, using config-based secrets")
	}

	registry := buildRegistry(cfg, logger)

	breaker := resilience.NewBreaker(redisClient, logger, nil)
	pipelines := newPipelineSet(cfg, registry, breaker, logger)

	repo := orchestrator.NewRepository(db)
	rt := router.New(repo, breaker, registry).WithRateAvailability(registry)
	idem := idempotency.NewStore(redisClient)

	statusCache := statuscache.New(redisClient, func(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
		return repo.GetPaymentByID(ctx, id)
	}, logger)

	paymentOrch := orchestrator.NewPaymentOrchestrator(repo, idem, rt, registry, pipelines, bus, statusCache, logger)
	refundOrch := orchestrator.NewRefundOrchestrator(repo, idem, registry, pipelines, bus, statusCache, logger)

	webhookRepo := webhook.NewGormRepository(db)
	webhookQueue := webhook.NewQueue(cfg.Webhook.QueueSize)
	ingestor := webhook.NewIngestor(webhookRepo, registry, registry.Names(), cfg.Webhook.RateLimitPerMinute, webhookQueue, logger)
	processor := webhook.NewProcessor(webhookRepo, repo, bus, statusCache, webhookQueue, cfg.Webhook.Workers, logger)
	ingestor.WithSyncFallback(processor)

	reconcileCfg := reconciliation.Config{
		Interval:   cfg.Reconciliation.Interval(),
		StaleAfter: cfg.Reconciliation.StaleAfter(),
		BatchSize:  cfg.Reconciliation.BatchSize,
	}
	reconcileJob := reconciliation.New(repo, registry, bus, reconcileCfg, logger).
		WithWebhookRetry(webhookRepo, processor)

	handlers := api.NewHandlers(paymentOrch, refundOrch, statusCache, ingestor, logger)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go processor.Run(jobCtx)
	go reconcileJob.Run(jobCtx)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "payment-orchestrator",
			"timestamp": time.Now().UTC(),
		})
	})

	apiV1 := engine.Group("/api/v1")
	handlers.Register(apiV1)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: engine,
	}

	go func() {
		logger.Info("starting http server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	reconcileJob.Stop()
	cancelJobs()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Idempotency-Key, X-Correlation-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var level zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	return zapCfg.Build()
}

func initDatabase(logger *zap.Logger, cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{DisableForeignKeyConstraintWhenMigrating: true}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Database.Driver {
	case "sqlite":
		logger.Warn("running against an in-memory sqlite database, not for production use")
		db, err = gorm.Open(sqlite.Open(cfg.Database.Name), gormCfg)
	default:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode)
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("database connection established")
	return db, nil
}

// buildRegistry constructs every configured provider adapter and registers
// it under its own circuit-independent name.
func buildRegistry(cfg *config.Config, logger *zap.Logger) *providers.Registry {
	registry := providers.NewRegistry()

	registry.Register(providers.NewStripe(providers.StripeConfig{
		SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RateLimit:     rateLimitFor(cfg.Providers.Stripe),
	}, logger))

	registry.Register(providers.NewPayPal(providers.PayPalConfig{
		ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
		ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
		APIBaseURL:   envOr("PAYPAL_API_BASE_URL", "https://api-m.sandbox.paypal.com"),
		WebhookID:    os.Getenv("PAYPAL_WEBHOOK_ID"),
		RateLimit:    rateLimitFor(cfg.Providers.PayPal),
	}, logger))

	registry.Register(providers.NewOmise(providers.OmiseConfig{
		PublicKey:     os.Getenv("OMISE_PUBLIC_KEY"),
		SecretKey:     os.Getenv("OMISE_SECRET_KEY"),
		WebhookSecret: os.Getenv("OMISE_WEBHOOK_SECRET"),
		RateLimit:     rateLimitFor(cfg.Providers.Omise),
	}, logger))

	registry.Register(providers.NewSCB(providers.SCBConfig{
		APIKey:        os.Getenv("SCB_API_KEY"),
		APISecret:     os.Getenv("SCB_API_SECRET"),
		WebhookSecret: os.Getenv("SCB_WEBHOOK_SECRET"),
		RateLimit:     rateLimitFor(cfg.Providers.SCB),
	}, logger))

	return registry
}

func rateLimitFor(tuning config.ProviderTuning) *providers.RateLimitConfig {
	if tuning.RateLimitPerSecond <= 0 {
		return nil
	}
	return &providers.RateLimitConfig{
		RequestsPerMinute: int(tuning.RateLimitPerSecond * 60),
		BurstSize:         10,
		RetryAfter:        time.Second,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// pipelineSet resolves one resilience.Pipeline per provider name, satisfying
// orchestrator.PipelineFor.
type pipelineSet struct {
	byProvider map[string]*resilience.Pipeline
	defaultCfg resilience.Config
	breaker    *resilience.Breaker
	logger     *zap.Logger
}

func newPipelineSet(cfg *config.Config, registry *providers.Registry, breaker *resilience.Breaker, logger *zap.Logger) *pipelineSet {
	set := &pipelineSet{byProvider: make(map[string]*resilience.Pipeline), breaker: breaker, logger: logger}

	tunings := map[string]config.ProviderTuning{
		"stripe": cfg.Providers.Stripe,
		"paypal": cfg.Providers.PayPal,
		"omise":  cfg.Providers.Omise,
		"scb":    cfg.Providers.SCB,
	}
	for name, tuning := range tunings {
		pCfg := resilience.DefaultConfig()
		if tuning.TimeoutSeconds > 0 {
			pCfg.Timeout = time.Duration(tuning.TimeoutSeconds) * time.Second
		}
		if tuning.BreakerFailureThreshold > 0 {
			pCfg.Breaker.ConsecutiveFailTrip = tuning.BreakerFailureThreshold
		}
		if tuning.BreakerOpenSeconds > 0 {
			pCfg.Breaker.OpenDuration = time.Duration(tuning.BreakerOpenSeconds) * time.Second
		}
		set.byProvider[name] = resilience.NewPipeline(name, pCfg, breaker, logger)
	}
	return set
}

func (s *pipelineSet) Pipeline(providerName string) *resilience.Pipeline {
	if p, ok := s.byProvider[providerName]; ok {
		return p
	}
	p := resilience.NewPipeline(providerName, resilience.DefaultConfig(), s.breaker, s.logger)
	s.byProvider[providerName] = p
	return p
}
