package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
	httpapi "github.com/i474232898/air-quality-connectors/internal/api/http"
	"github.com/i474232898/air-quality-connectors/internal/archive"
	"github.com/i474232898/air-quality-connectors/internal/config"
	"github.com/i474232898/air-quality-connectors/internal/esdr"
	"github.com/i474232898/air-quality-connectors/internal/metrics"
	"github.com/i474232898/air-quality-connectors/internal/scheduler"
	"github.com/i474232898/air-quality-connectors/internal/store"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared HTTP client for every upstream and for ESDR.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	auth, err := esdr.LoadAuthFile(cfg.ESDRAuthFile)
	if err != nil {
		log.Fatalf("failed to load ESDR credentials: %v", err)
	}
	backend := esdr.NewClient(cfg.ESDRBaseURL, cfg.ESDRUserAgent, auth, httpClient)

	// In-memory cycle reports with configured retention.
	memStore := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)

	recorder := metrics.NewRecorder()
	opts := []airquality.Option{airquality.WithMetrics(recorder)}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		arch, err := archive.New(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to open upload archive: %v", err)
		}
		defer arch.Close()
		opts = append(opts, airquality.WithArchive(arch))
		log.Println("INFO: archiving uploads to postgres")
	}

	service := airquality.NewService(backend, memStore, opts...)

	connectors, err := buildConnectors(cfg, httpClient)
	if err != nil {
		log.Fatalf("failed to build connectors: %v", err)
	}

	sched := scheduler.New(scheduled(cfg, connectors), cfg.FetchInterval, cfg.DryRun, service)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "air-quality-connectors",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Triggered cycles run inside the request.
		WriteTimeout: cfg.FetchInterval + 10*time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, service, connectors, httpapi.Options{
		DryRun:       cfg.DryRun,
		CycleTimeout: cfg.FetchInterval,
		Metrics:      recorder.Handler(),
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}
