package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/johnquangdev/meeting-session/docs"
	"github.com/johnquangdev/meeting-session/internal/adapter/handler"
	"github.com/johnquangdev/meeting-session/internal/adapter/repository"
	"github.com/johnquangdev/meeting-session/internal/domain/repositories"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/cache"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/database"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/external/assemblyai"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/external/dashscope"
	httpmw "github.com/johnquangdev/meeting-session/internal/infrastructure/http/middleware"
	"github.com/johnquangdev/meeting-session/internal/infrastructure/storage"
	"github.com/johnquangdev/meeting-session/internal/usecase/clustering"
	"github.com/johnquangdev/meeting-session/internal/usecase/relay"
	"github.com/johnquangdev/meeting-session/internal/usecase/session"
	"github.com/johnquangdev/meeting-session/pkg/config"
	"github.com/johnquangdev/meeting-session/pkg/inference"
	"github.com/johnquangdev/meeting-session/pkg/jwt"
	pkgvalidator "github.com/johnquangdev/meeting-session/pkg/validator"
)

// @title           Meeting Session API
// @version         1.0
// @description     Per-session audio ingest, live speaker identification and post-session finalize

// @BasePath  /v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the session token.

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Server.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔧 Initializing dependencies...")

	// Blob storage
	var blobs repositories.BlobStore
	switch cfg.Storage.Type {
	case "minio":
		logger.Info("📦 Connecting to MinIO...", zap.String("endpoint", cfg.Storage.Endpoint))
		store, err := storage.NewMinIOStore(ctx, &cfg.Storage)
		if err != nil {
			logger.Fatal("❌ Failed to initialize MinIO", zap.Error(err))
		}
		blobs = store
	default:
		logger.Warn("⚠️  Using in-memory blob storage, session data is lost on restart")
		blobs = storage.NewMemoryStore()
	}

	// Idempotency cache
	var idem repositories.IdempotencyStore
	if cfg.Redis.Enabled {
		logger.Info("📦 Connecting to Redis...", zap.String("addr", cfg.Redis.Addr))
		store, err := cache.NewRedisStore(ctx, &cfg.Redis, logger)
		if err != nil {
			logger.Fatal("❌ Failed to connect to Redis", zap.Error(err))
		}
		defer store.Close()
		idem = store
	} else {
		store := cache.NewMemoryStore()
		defer store.Close()
		idem = store
	}

	// Optional audit database
	deps := session.Deps{Blobs: blobs, Logger: logger}
	if cfg.Database.Enabled {
		logger.Info("📦 Connecting to database...")
		db, err := database.NewPostgresDB(cfg, logger)
		if err != nil {
			logger.Fatal("❌ Failed to connect to database", zap.Error(err))
		}
		defer database.CloseDB(db)

		if cfg.Database.AutoMigrate {
			if cfg.Server.Environment == "production" {
				logger.Fatal("AutoMigrate is enabled in production. Disable DB_AUTO_MIGRATE or run scripts/migrate.go.")
			}
			n, err := database.AutoMigrate(db, logger)
			if err != nil {
				logger.Fatal("❌ Failed to run migrations", zap.Error(err))
			}
			logger.Info("🔄 Migrations applied", zap.Int("count", n))
		}

		deps.Events = repository.NewSpeakerEventRepository(db)
		deps.Records = repository.NewFinalizeRecordRepository(db)
	}

	// Inference failover client
	logger.Info("🤖 Initializing inference client...",
		zap.String("primary", cfg.Inference.PrimaryURL),
		zap.Bool("failover", cfg.Inference.FailoverEnabled && cfg.Inference.SecondaryURL != ""))
	health := inference.NewHealthRegistry(cfg.Inference.FailureThreshold, cfg.Inference.CircuitCooldown)
	deps.Inference = inference.NewClient(inference.Config{
		PrimaryURL:      cfg.Inference.PrimaryURL,
		PrimaryKey:      cfg.Inference.PrimaryKey,
		SecondaryURL:    cfg.Inference.SecondaryURL,
		SecondaryKey:    cfg.Inference.SecondaryKey,
		FailoverEnabled: cfg.Inference.FailoverEnabled,
		RetryMax:        cfg.Inference.RetryMax,
		Backoff:         cfg.Inference.Backoff,
		Timeout:         cfg.Inference.Timeout,
		SigningSecret:   cfg.Inference.SigningSecret,
	}, health, logger)

	// Streaming recognizer
	deps.Dialer = newDialer(cfg.Recognizer, logger)

	registry := session.NewRegistry(deps, session.Options{
		EmbeddingCacheBytes:  cfg.Session.EmbeddingCacheBytes,
		ClusterThreshold:     cfg.Session.ClusterThreshold,
		ClusterLinkage:       clustering.Linkage(cfg.Session.ClusterLinkage),
		RosterMatchThreshold: cfg.Session.RosterMatchThreshold,
		UnresolvedRatioMax:   cfg.Session.UnresolvedRatioMax,
		SnapshotEveryChunks:  cfg.Session.SnapshotEveryChunks,
		RetireAfter:          cfg.Session.RetireAfter,
		Relay: relay.Config{
			StartTimeout:   cfg.Recognizer.StartTimeout,
			FinishWait:     cfg.Recognizer.FinishWait,
			BackoffInitial: cfg.Recognizer.BackoffInitial,
			BackoffMax:     cfg.Recognizer.BackoffMax,
			QueueLimit:     cfg.Recognizer.QueueLimit,
		},
	})
	svc := session.NewService(registry, idem, cfg.Redis.IdempotencyTTL, logger)

	// HTTP
	validator := pkgvalidator.New()
	e := echo.New()
	e.HideBanner = true
	e.Validator = validator
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, handler.HeaderIdempotencyKey},
	}))

	var authMW echo.MiddlewareFunc
	if cfg.Auth.Enabled {
		logger.Info("🔑 Session token auth enabled", zap.String("issuer", cfg.Auth.Issuer))
		authMW = httpmw.EchoAuth(jwt.NewManager(cfg.Auth.Secret, cfg.Auth.TTL, cfg.Auth.Issuer))
	} else {
		logger.Warn("⚠️  Session token auth disabled")
	}

	router := handler.NewRouter(cfg,
		handler.NewSessionHandler(svc, health, logger),
		handler.NewIngestHandler(svc, validator, cfg.Server.AllowedOrigins, logger),
		authMW,
	)
	router.Setup(e)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 Starting server",
			zap.String("addr", cfg.Addr()),
			zap.String("environment", cfg.Server.Environment))
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		httpErr := e.Shutdown(shutdownCtx)
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️  Session actors did not stop cleanly", zap.Error(err))
		}
		return httpErr
	})

	if err := g.Wait(); err != nil {
		logger.Error("❌ Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("✅ Server stopped gracefully")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newDialer picks the streaming recognizer. Without an API key the relay is
// disabled and utterances only come from finalize.
func newDialer(cfg config.RecognizerConfig, logger *zap.Logger) relay.Dialer {
	if cfg.APIKey == "" {
		logger.Warn("⚠️  RECOGNIZER_API_KEY not set, live recognition disabled")
		return nil
	}
	switch cfg.Provider {
	case "assemblyai":
		logger.Info("🎙️  Using AssemblyAI realtime recognizer")
		return assemblyai.NewDialer(assemblyai.Config{APIKey: cfg.APIKey, BaseURL: cfg.AssemblyAIURL}, logger)
	default:
		logger.Info("🎙️  Using DashScope recognizer", zap.String("model", cfg.Model))
		return dashscope.NewDialer(dashscope.Config{URL: cfg.URL, APIKey: cfg.APIKey, Model: cfg.Model}, logger)
	}
}
