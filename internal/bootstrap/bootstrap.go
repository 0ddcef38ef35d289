// Package bootstrap wires configuration into the concrete components both services
// share: logger, queue store backend and RabbitMQ client.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobqueue/internal/config"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
	"github.com/cuongbtq/jobqueue/internal/store/badgerstore"
	"github.com/cuongbtq/jobqueue/internal/store/memory"
	"github.com/cuongbtq/jobqueue/internal/store/redisstore"
	"github.com/cuongbtq/jobqueue/internal/store/sqlstore"
	"github.com/cuongbtq/jobqueue/shared/database"
	"github.com/cuongbtq/jobqueue/shared/logger"
	"github.com/cuongbtq/jobqueue/shared/rabbitmq"
)

const redisPingTimeout = 5 * time.Second

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}

// Backend is an open queue store together with the connections it owns
type Backend struct {
	Store   store.Store
	health  func(ctx context.Context) error
	closers []func() error
}

// HealthCheck checks the connection behind the store. SQL backends run a query,
// others ping.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if b.health != nil {
		return b.health(ctx)
	}
	return b.Store.Ping(ctx)
}

// Close closes the store and then its connections
func (b *Backend) Close() error {
	var errs []error
	if err := b.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenStore opens the queue store selected by queue.store. SQL schemas are migrated.
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backend, error) {
	ordering := domain.Ordering(cfg.Queue.Ordering)
	if !ordering.Valid() {
		ordering = domain.OrderingFIFO
	}

	switch cfg.Queue.Store {
	case config.StoreMemory:
		return &Backend{Store: memory.New(memory.WithOrdering(ordering))}, nil

	case config.StorePostgres, config.StoreSQLite:
		return openSQL(ctx, cfg, ordering, log)

	case config.StoreBadger:
		st, err := badgerstore.Open(cfg.Badger.Dir,
			badgerstore.WithOrdering(ordering),
			badgerstore.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return &Backend{Store: st}, nil

	case config.StoreRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:       []string{cfg.Redis.Addr},
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		log.Info("Redis connection established", slog.String("addr", cfg.Redis.Addr))
		st := redisstore.New(client,
			redisstore.WithPrefix(cfg.Redis.Prefix),
			redisstore.WithOrdering(ordering),
			redisstore.WithLogger(log),
		)
		return &Backend{Store: st, closers: []func() error{client.Close}}, nil

	default:
		return nil, fmt.Errorf("unsupported queue store: %q", cfg.Queue.Store)
	}
}

func openSQL(ctx context.Context, cfg *config.Config, ordering domain.Ordering, log *slog.Logger) (*Backend, error) {
	driver := database.DriverPostgres
	if cfg.Queue.Store == config.StoreSQLite {
		driver = database.DriverSQLite
	}

	client, err := database.NewClient(&database.Config{
		Driver:          driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	st, err := sqlstore.New(client.GetDB(), sqlstore.WithOrdering(ordering), sqlstore.WithLogger(log))
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return &Backend{Store: st, health: client.HealthCheck, closers: []func() error{client.Close}}, nil
}

// NewRabbitMQ connects to RabbitMQ. Consumers declare and bind their own wake queue;
// publishers only declare the exchange.
func NewRabbitMQ(cfg *config.RabbitMQConfig, consumer bool, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		DeclareQueue:       consumer,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, log)
}

// NewHTTPServer builds the HTTP server for handler
func NewHTTPServer(cfg *config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
