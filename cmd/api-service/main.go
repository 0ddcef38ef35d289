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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/jobqueue/internal/api/handler"
	"github.com/cuongbtq/jobqueue/internal/api/router"
	"github.com/cuongbtq/jobqueue/internal/bootstrap"
	"github.com/cuongbtq/jobqueue/internal/config"
	"github.com/cuongbtq/jobqueue/internal/notify"
	"github.com/cuongbtq/jobqueue/internal/retry"
)

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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Queue.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the queue store
	backend, err := bootstrap.OpenStore(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	defer backend.Close()

	appLogger.Info("Queue store ready")

	// Wake notifications are optional; without them workers find new jobs by polling
	var notifier notify.Notifier = notify.Noop{}
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, false, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		notifier = notify.NewPublisher(rabbitClient, appLogger.Logger)
		appLogger.Info("RabbitMQ connection established")
	}

	strategy, err := cfg.Backoff()
	if err != nil {
		return fmt.Errorf("invalid backoff: %w", err)
	}
	manager := retry.NewManager(backend.Store, strategy, appLogger.Logger)

	// Initialize router
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:             appLogger.Logger,
		Service:            cfg.App.Name,
		Store:              backend.Store,
		HealthCheck:        backend.HealthCheck,
		Replayer:           manager,
		Notifier:           notifier,
		DefaultMaxAttempts: cfg.Queue.RetryAttempts,
	})

	srv := bootstrap.NewHTTPServer(&cfg.Server, r)

	appLogger.Info("Starting HTTP server",
		slog.String("address", srv.Addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running", slog.String("address", srv.Addr))

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
