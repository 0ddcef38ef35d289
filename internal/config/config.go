package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobqueue/internal/backoff"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreBadger   = "badger"
	StoreRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Badger   BadgerConfig   `yaml:"badger"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQL connection configuration for the postgres and sqlite stores
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration for the redis store
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// BadgerConfig holds the embedded badger store location
type BadgerConfig struct {
	Dir string `yaml:"dir"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// RabbitMQ carries wake signals between services; it is optional.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      AMQPQueueConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AMQPQueueConfig holds RabbitMQ queue configuration. An empty name lets the
// broker pick one, which suits one exclusive wake queue per worker service.
type AMQPQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// QueueConfig holds the job queue behaviour shared by both services
type QueueConfig struct {
	Store             string        `yaml:"store"`
	Ordering          string        `yaml:"ordering"`
	WorkerCount       int           `yaml:"worker_count"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	DispatchRate      float64       `yaml:"dispatch_rate"`
	DispatchBurst     int           `yaml:"dispatch_burst"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

// BackoffConfig selects the retry delay strategy
type BackoffConfig struct {
	Strategy string        `yaml:"strategy"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	PoolID          string        `yaml:"pool_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used for every key the file leaves out
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			Prefix:      "jobqueue",
			DialTimeout: 5 * time.Second,
		},
		Badger: BadgerConfig{Dir: "data/badger"},
		RabbitMQ: RabbitMQConfig{
			Port:       5672,
			VHost:      "/",
			Exchange:   ExchangeConfig{Name: "jobqueue.wake", Type: "fanout"},
			Queue:      AMQPQueueConfig{AutoDelete: true, Exclusive: true},
			Connection: ConnectionConfig{RetryAttempts: 5, RetryInterval: 2 * time.Second, Heartbeat: 10 * time.Second, ConnectionTimeout: 10 * time.Second},
			Publish:    PublishConfig{RetryAttempts: 3, RetryInterval: 100 * time.Millisecond, BackoffMultiplier: 2},
			Consumer:   ConsumerConfig{PrefetchCount: 10},
		},
		Logging: LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
		App:     AppConfig{Name: "jobqueue", Version: "dev", Environment: "development"},
		Queue: QueueConfig{
			Store:             StoreMemory,
			Ordering:          string(domain.OrderingFIFO),
			WorkerCount:       4,
			RetryAttempts:     3,
			PollInterval:      time.Second,
			JobTimeout:        5 * time.Minute,
			HeartbeatInterval: 10 * time.Second,
			StaleThreshold:    time.Minute,
			ReapInterval:      30 * time.Second,
			Backoff:           BackoffConfig{Strategy: backoff.NameExponential, Initial: time.Second, Max: 5 * time.Minute},
		},
		Worker: WorkerConfig{ShutdownTimeout: 30 * time.Second},
	}
}

// Load reads and parses the configuration file. ${VAR} references are expanded
// from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Backoff builds the configured retry delay strategy
func (c *Config) Backoff() (backoff.Strategy, error) {
	return backoff.New(c.Queue.Backoff.Strategy, c.Queue.Backoff.Initial, c.Queue.Backoff.Max)
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.Queue.Store == StoreMemory {
		return fmt.Errorf("queue store %q cannot be shared with worker services, use the worker service HTTP API instead", StoreMemory)
	}

	if c.Queue.RetryAttempts <= 0 {
		return fmt.Errorf("queue retry_attempts must be greater than 0")
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	q := c.Queue
	if q.WorkerCount <= 0 {
		return fmt.Errorf("queue worker_count must be greater than 0")
	}

	if q.RetryAttempts <= 0 {
		return fmt.Errorf("queue retry_attempts must be greater than 0")
	}

	if !domain.Ordering(q.Ordering).Valid() {
		return fmt.Errorf("invalid queue ordering: %q (must be %q or %q)", q.Ordering, domain.OrderingFIFO, domain.OrderingPriority)
	}

	if q.PollInterval <= 0 {
		return fmt.Errorf("queue poll_interval must be greater than 0")
	}

	if q.JobTimeout <= 0 {
		return fmt.Errorf("queue job_timeout must be greater than 0")
	}

	if q.HeartbeatInterval <= 0 {
		return fmt.Errorf("queue heartbeat_interval must be greater than 0")
	}

	if q.StaleThreshold <= q.HeartbeatInterval {
		return fmt.Errorf("queue stale_threshold must be greater than heartbeat_interval")
	}

	if q.ReapInterval <= 0 {
		return fmt.Errorf("queue reap_interval must be greater than 0")
	}

	if q.DispatchRate < 0 {
		return fmt.Errorf("queue dispatch_rate must not be negative")
	}

	if _, err := c.Backoff(); err != nil {
		return fmt.Errorf("invalid queue backoff: %w", err)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateServer() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Queue.Store {
	case StoreMemory:
		return nil

	case StorePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		return nil

	case StoreSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for the sqlite store")
		}
		return nil

	case StoreBadger:
		if c.Badger.Dir == "" {
			return fmt.Errorf("badger dir is required")
		}
		return nil

	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
		return nil

	default:
		return fmt.Errorf("unsupported queue store: %q", c.Queue.Store)
	}
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
