package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"arc-sync/internal/auth"
	"arc-sync/internal/config"
	"arc-sync/internal/engine"
	"arc-sync/internal/gateway"
	"arc-sync/internal/instrument"
	"arc-sync/internal/metadata"
	"arc-sync/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to arc-sync.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("upstream", cfg.Upstream.BaseURL))

	// 3. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// 4. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		logger.Fatal("failed to bootstrap system tables", zap.Error(err))
	}
	logger.Info("system tables ready")

	// 5. Event buffer and delivery ledger
	eventBuffer := instrument.NewEventBuffer(db, logger, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
	defer eventBuffer.Stop()
	ledger := store.NewSQLLedger(db)

	// 6. Upstream client and propagator
	client := gateway.New(cfg.Upstream.BaseURL,
		gateway.WithToken(cfg.Upstream.Token),
		gateway.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond}),
		gateway.WithLogger(logger.Named("gateway")),
	)
	propagator := engine.NewPropagator(client, client, engine.Options{
		Workers: cfg.Propagation.Workers,
		Ledger:  ledger,
		Logger:  logger.Named("engine"),
	})

	// 7. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.NewErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(cfg.Instrumentation, eventBuffer))

	// 8. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 9. Auth middleware for all API routes
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	manageMW := auth.RequirePermission(metadata.PermManageRelations)
	tracesMW := auth.RequirePermission(metadata.PermReadTraces)

	// 10. Trace routes (auth + traces:read)
	instrument.RegisterEventRoutes(app, instrument.NewEventHandler(db), authMW, tracesMW)

	// 11. Propagation routes
	handler := engine.NewHandler(propagator, ledger, client, cfg.Propagation.DryRun, logger.Named("api"))
	engine.RegisterRoutes(app, handler, authMW, manageMW)

	// 12. Retention cleanup
	retention := instrument.NewRetentionScheduler(db, ledger, logger.Named("retention"), cfg.Instrumentation.RetentionDays, time.Hour)
	retention.Start()
	defer retention.Stop()

	// 13. Start server
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("starting server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
