package config

import (
	"errors"
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

// Queue drivers.
const (
	DriverSQS      = "sqs"
	DriverRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	AWS       AWSConfig       `yaml:"aws"`
	Storage   StorageConfig   `yaml:"storage"`
	Queues    QueuesConfig    `yaml:"queues"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Lease     LeaseConfig     `yaml:"lease"`
	Slicer    SlicerConfig    `yaml:"slicer"`
	Worker    WorkerConfig    `yaml:"worker"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds the status HTTP server configuration
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
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds the broker used for device notifications and,
// with the rabbitmq driver, for the job queues.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Queues     []string         `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// AWSConfig holds the credentials shared by S3 and SQS.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// StorageConfig holds object storage and scratch space settings
type StorageConfig struct {
	WorkDir  string `yaml:"work_dir"`
	BaseURL  string `yaml:"base_url"`
	Endpoint string `yaml:"endpoint"`
}

// QueuesConfig selects the queue driver and describes both priority queues.
type QueuesConfig struct {
	Driver string      `yaml:"driver"`
	High   QueueConfig `yaml:"high"`
	Low    QueueConfig `yaml:"low"`
}

// QueueConfig describes one job queue
type QueueConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"`
	MaxBatch          int           `yaml:"max_batch"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	WaitTime          time.Duration `yaml:"wait_time"`
}

// SchedulerConfig holds the polling and admission settings
type SchedulerConfig struct {
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxSuccessiveHigh int           `yaml:"max_successive_high"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// LeaseConfig holds visibility lease renewal settings
type LeaseConfig struct {
	RenewInterval time.Duration `yaml:"renew_interval"`
	Extension     time.Duration `yaml:"extension"`
}

// SlicerConfig holds the slicing engine invocation
type SlicerConfig struct {
	Command string        `yaml:"command"`
	Shell   string        `yaml:"shell"`
	Timeout time.Duration `yaml:"timeout"`
	Dir     string        `yaml:"dir"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	RequireRequestType bool          `yaml:"require_request_type"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// NotifyConfig holds device notification settings
type NotifyConfig struct {
	QueuePrefix string `yaml:"queue_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
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

// Default returns the settings used for keys absent from the file.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "slicer-worker"},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:           5432,
			SSLMode:        "disable",
			ConnectTimeout: 5 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     500 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
		Storage: StorageConfig{WorkDir: "/tmp/slicer-worker"},
		Queues: QueuesConfig{
			Driver: DriverSQS,
			High:   QueueConfig{MaxBatch: 10, VisibilityTimeout: 5 * time.Minute},
			Low:    QueueConfig{MaxBatch: 10, VisibilityTimeout: 5 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:     2,
			MaxSuccessiveHigh: 5,
			PollInterval:      500 * time.Millisecond,
		},
		Lease: LeaseConfig{
			RenewInterval: 30 * time.Second,
			Extension:     60 * time.Second,
		},
		Slicer: SlicerConfig{Shell: "/bin/sh"},
		Worker: WorkerConfig{ShutdownTimeout: 10 * time.Minute},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return errors.New("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return errors.New("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if err := c.validateQueues(); err != nil {
		return err
	}

	if c.Storage.WorkDir == "" {
		return errors.New("storage work_dir is required")
	}

	if c.Scheduler.MaxConcurrent <= 0 {
		return errors.New("scheduler max_concurrent must be greater than 0")
	}
	if c.Scheduler.MaxSuccessiveHigh <= 0 {
		return errors.New("scheduler max_successive_high must be greater than 0")
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler poll_interval must be greater than 0")
	}

	if c.Lease.RenewInterval <= 0 {
		return errors.New("lease renew_interval must be greater than 0")
	}
	if c.Lease.Extension <= c.Lease.RenewInterval {
		return fmt.Errorf("lease extension %s must be longer than renew_interval %s", c.Lease.Extension, c.Lease.RenewInterval)
	}

	if c.Slicer.Command == "" {
		return errors.New("slicer command is required")
	}
	if c.Slicer.Timeout < 0 {
		return errors.New("slicer timeout must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return errors.New("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateQueues() error {
	switch c.Queues.Driver {
	case DriverSQS, DriverRabbitMQ:
	default:
		return fmt.Errorf("unknown queue driver %q (must be %s or %s)", c.Queues.Driver, DriverSQS, DriverRabbitMQ)
	}

	for _, entry := range []struct {
		name string
		q    QueueConfig
	}{{"high", c.Queues.High}, {"low", c.Queues.Low}} {
		name, q := entry.name, entry.q
		if q.Name == "" {
			return fmt.Errorf("queues.%s name is required", name)
		}
		if c.Queues.Driver == DriverSQS && q.Address == "" {
			return fmt.Errorf("queues.%s address is required for the sqs driver", name)
		}
		if q.MaxBatch <= 0 {
			return fmt.Errorf("queues.%s max_batch must be greater than 0", name)
		}
	}

	if c.Queues.High.Name == c.Queues.Low.Name {
		return errors.New("queues.high and queues.low must be different queues")
	}
	return nil
}
