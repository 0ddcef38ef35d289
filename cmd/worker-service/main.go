package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobqueue/internal/api/handler"
	"github.com/cuongbtq/jobqueue/internal/api/router"
	"github.com/cuongbtq/jobqueue/internal/bootstrap"
	"github.com/cuongbtq/jobqueue/internal/config"
	"github.com/cuongbtq/jobqueue/internal/dispatcher"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/notify"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/worker"
)

const webhookTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Queue.Store),
		slog.Int("worker_count", cfg.Queue.WorkerCount),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenStore(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	defer backend.Close()

	strategy, err := cfg.Backoff()
	if err != nil {
		return fmt.Errorf("invalid backoff: %w", err)
	}
	manager := retry.NewManager(backend.Store, strategy, appLogger.Logger)

	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry, &http.Client{Timeout: webhookTimeout})

	pool, err := worker.NewPool(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             backend.Store,
		Registry:          registry,
		Failures:          manager,
		PoolID:            cfg.Worker.PoolID,
		Concurrency:       cfg.Queue.WorkerCount,
		JobTimeout:        cfg.Queue.JobTimeout,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	d := dispatcher.New(backend.Store, pool, appLogger.With(slog.String("pool_id", pool.ID())).Logger,
		dispatcher.WithPollInterval(cfg.Queue.PollInterval),
		dispatcher.WithRateLimit(cfg.Queue.DispatchRate, cfg.Queue.DispatchBurst),
	)

	reaper := retry.NewReaper(backend.Store, manager, cfg.Queue.StaleThreshold, appLogger.Logger,
		retry.WithReapInterval(cfg.Queue.ReapInterval),
	)

	// Jobs created through this service's API wake the local dispatcher directly
	notifiers := notify.Multi{d}
	var consumer *notify.Consumer
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, true, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		notifiers = append(notifiers, notify.NewPublisher(rabbitClient, appLogger.Logger))
		consumer = notify.NewConsumer(rabbitClient, d, consumerTag(cfg, pool.ID()), appLogger.Logger)
		appLogger.Info("RabbitMQ connection established")
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := bootstrap.NewHTTPServer(&cfg.Server, router.SetupRouter(&handler.Dependencies{
		Logger:             appLogger.Logger,
		Service:            cfg.App.Name,
		Store:              backend.Store,
		HealthCheck:        backend.HealthCheck,
		Replayer:           manager,
		Notifier:           notifiers,
		Workers:            pool,
		DefaultMaxAttempts: cfg.Queue.RetryAttempts,
	}))

	pool.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx)
	})

	g.Go(func() error {
		return reaper.Run(gctx)
	})

	if consumer != nil {
		g.Go(func() error {
			// Losing the wake queue only costs latency; the dispatcher keeps polling
			if err := consumer.Run(gctx); err != nil && gctx.Err() == nil {
				appLogger.Warn("Wake consumer stopped, falling back to polling", slog.Any("error", err))
			}
			return nil
		})
	}

	g.Go(func() error {
		appLogger.Info("Starting HTTP server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	appLogger.Info("Worker service started successfully", slog.String("pool_id", pool.ID()))

	runErr := g.Wait()
	if runErr != nil {
		appLogger.Error("Worker service error", slog.Any("error", runErr))
	} else {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// The dispatcher has stopped; let in-flight jobs finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		appLogger.Warn("Worker shutdown timeout exceeded, active jobs were canceled")
	} else {
		appLogger.Info("Worker stopped gracefully")
	}

	logWorkerTotals(appLogger.Logger, pool.Workers())
	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// consumerTag identifies this service on the wake queue
func consumerTag(cfg *config.Config, poolID string) string {
	if cfg.RabbitMQ.Consumer.Tag != "" {
		return cfg.RabbitMQ.Consumer.Tag
	}
	return poolID
}

func logWorkerTotals(logger *slog.Logger, workers []domain.Worker) {
	var processed, failed int64
	for _, w := range workers {
		processed += w.Processed
		failed += w.Failed
	}
	logger.Info("Worker totals",
		slog.Int64("processed", processed),
		slog.Int64("failed", failed),
	)
}
