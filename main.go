package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"newsletter-backend/config"
	"newsletter-backend/database"
	"newsletter-backend/database/memory"
	"newsletter-backend/delivery"
	"newsletter-backend/emailclient"
	"newsletter-backend/idempotency"
	"newsletter-backend/metrics"
	"newsletter-backend/middlewares"
	"newsletter-backend/routes"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not build logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("newsletter service stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.IsLocal() {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Datastore
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := database.EnsureAdmin(ctx, store, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return fmt.Errorf("seeding admin user: %w", err)
		}
	}

	// ---- Collaborators
	m := metrics.New("newsletter")
	mailer, err := emailclient.New(cfg.Email, log)
	if err != nil {
		return err
	}
	gateway := idempotency.New(store,
		idempotency.WithLogger(log),
		idempotency.WithMetrics(m),
		idempotency.WithWaitTimeout(cfg.IdempotencyWaitTimeout))

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler:          middlewares.ErrorHandler(log),
		BodyLimit:             cfg.BodyLimitBytes,
		DisableStartupMessage: !cfg.IsLocal(),
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: false, // using Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
	}))
	routes.Register(app, routes.Deps{
		Store:     store,
		Gateway:   gateway,
		Sender:    mailer,
		Metrics:   m,
		Log:       log,
		JWTSecret: []byte(cfg.JWTSecret),
		BaseURL:   cfg.AppBaseURL,
	})

	// ---- Start: listener and workers live and die together
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Count; i++ {
		worker := delivery.NewWorker(store, mailer,
			delivery.WithLogger(log.With(zap.Int("worker", i))),
			delivery.WithMetrics(m),
			delivery.WithIdleInterval(cfg.Worker.IdleInterval),
			delivery.WithRetryInterval(cfg.Worker.RetryInterval))
		g.Go(func() error { return worker.Run(ctx) })
	}
	g.Go(func() error {
		log.Info("API server starting", zap.String("port", cfg.Port), zap.Int("workers", cfg.Worker.Count))
		if err := app.Listen(":" + cfg.Port); err != nil {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("newsletter service stopped cleanly")
	return nil
}

func openStore(cfg config.Config, log *zap.Logger) (database.Store, error) {
	if cfg.DatabaseDriver == "memory" {
		log.Warn("using the in-memory datastore, nothing survives a restart")
		return memory.New(), nil
	}

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return database.NewStore(db), nil
}
