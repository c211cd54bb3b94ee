package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
	Redis       RedisConfig       `yaml:"redis"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Tokens      TokensConfig      `yaml:"tokens"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Relay       RelayConfig       `yaml:"relay"`
	Payment     PaymentConfig     `yaml:"payment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Queue       QueueConfig      `yaml:"queue"`
	BindingKeys []string         `yaml:"binding_keys"`
	Connection  ConnectionConfig `yaml:"connection"`
	Publish     PublishConfig    `yaml:"publish"`
	Consumer    ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
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
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the Redis connection used for the sweep lease
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatchConfig holds offer engine settings. Zero values use the engine defaults.
type DispatchConfig struct {
	OfferTTL       time.Duration `yaml:"offer_ttl"`
	MaxLiveOffers  int           `yaml:"max_live_offers"`
	RoutingSLA     time.Duration `yaml:"routing_sla"`
	SweepBatchSize int           `yaml:"sweep_batch_size"`
}

// EligibilityConfig holds service radii per job type
type EligibilityConfig struct {
	UrbanRadiusMiles float64  `yaml:"urban_radius_miles"`
	RuralRadiusMiles float64  `yaml:"rural_radius_miles"`
	UrbanRadiusKm    float64  `yaml:"urban_radius_km"`
	RuralRadiusKm    float64  `yaml:"rural_radius_km"`
	MileCountries    []string `yaml:"mile_countries"`
}

// TokensConfig holds action token lifetimes
type TokensConfig struct {
	ContractorTTL time.Duration `yaml:"contractor_ttl"`
	CustomerTTL   time.Duration `yaml:"customer_ttl"`
}

// SweepConfig holds the scheduled sweep settings
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	LeaseKey string        `yaml:"lease_key"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// RelayConfig holds outbox relay settings
type RelayConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	StaleAfter     time.Duration `yaml:"stale_after"`
}

// PaymentConfig selects the payment processor
type PaymentConfig struct {
	Provider string `yaml:"provider"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks every section used by either service
func (c *Config) Validate() error {
	if err := c.ValidateAPIConfig(); err != nil {
		return err
	}
	return c.ValidateWorkerConfig()
}

// ValidateAPIConfig checks the sections the API service reads
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateDomain()
}

// ValidateWorkerConfig checks the sections the worker service reads
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Sweep.Enabled {
		if c.Sweep.Schedule == "" {
			return fmt.Errorf("sweep schedule is required when sweep is enabled")
		}
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when sweep is enabled")
		}
		if c.Sweep.LeaseTTL <= 0 {
			return fmt.Errorf("sweep lease_ttl must be greater than 0")
		}
	}

	return c.validateDomain()
}

func (c *Config) validateDatabase() error {
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
}

func (c *Config) validateRabbitMQ() error {
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

// MaxLiveOffers is the hard cap on PENDING offers per job
const MaxLiveOffers = 5

func (c *Config) validateDomain() error {
	d := c.Dispatch
	if d.OfferTTL < 0 || d.RoutingSLA < 0 {
		return fmt.Errorf("dispatch durations must not be negative")
	}
	if d.MaxLiveOffers < 0 || d.MaxLiveOffers > MaxLiveOffers {
		return fmt.Errorf("dispatch max_live_offers must be between 0 and %d", MaxLiveOffers)
	}

	e := c.Eligibility
	if e.UrbanRadiusMiles < 0 || e.RuralRadiusMiles < 0 || e.UrbanRadiusKm < 0 || e.RuralRadiusKm < 0 {
		return fmt.Errorf("eligibility radii must not be negative")
	}

	if c.Tokens.ContractorTTL < 0 || c.Tokens.CustomerTTL < 0 {
		return fmt.Errorf("token ttl must not be negative")
	}

	switch c.Payment.Provider {
	case "", "sandbox":
	default:
		return fmt.Errorf("unsupported payment provider: %q", c.Payment.Provider)
	}
	return nil
}
