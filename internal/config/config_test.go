package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, 8081, cfg.Server.Port)
			assert.Equal(t, "printing", cfg.Database.Database)
			assert.True(t, cfg.Database.AutoMigrate)
			assert.Equal(t, DriverSQS, cfg.Queues.Driver)
			assert.Equal(t, "slicing-high", cfg.Queues.High.Name)
			assert.Equal(t, 5, cfg.Queues.Low.MaxBatch)
			assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
			assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
			assert.Equal(t, 15*time.Minute, cfg.Slicer.Timeout)
			assert.Equal(t, "slic3r --load {{.Config}} -o {{.GCode}} {{.STL}}", cfg.Slicer.Command)
			assert.Equal(t, "https://cdn.example.com/files", cfg.Storage.BaseURL)
		})
	}
}

func TestLoad_KeepsDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Queues.High.MaxBatch, "unset keys keep their defaults")
	assert.Equal(t, 5*time.Minute, cfg.Queues.High.VisibilityTimeout)
	assert.Equal(t, "/bin/sh", cfg.Slicer.Shell)
	assert.Equal(t, 5672, cfg.RabbitMQ.Port)
	assert.Equal(t, 10*time.Minute, cfg.Worker.ShutdownTimeout)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("SLICER_TEST_DB_PASSWORD", "s3cret")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoad_RabbitMQDriver(t *testing.T) {
	cfg, err := Load("testdata/rabbitmq_driver.yaml")
	require.NoError(t, err)

	require.NoError(t, cfg.Validate(), "queue addresses are not needed for rabbitmq")
	assert.Equal(t, []string{"slicing-high", "slicing-low"}, cfg.RabbitMQ.Queues)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Host = "localhost"
	cfg.Database.Database = "printing"
	cfg.RabbitMQ.Host = "localhost"
	cfg.Queues.High.Name = "slicing-high"
	cfg.Queues.High.Address = "https://sqs/high"
	cfg.Queues.Low.Name = "slicing-low"
	cfg.Queues.Low.Address = "https://sqs/low"
	cfg.Slicer.Command = "slice {{.STL}}"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "server port too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "server port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Queues.Driver = "kafka" }, errString: `unknown queue driver "kafka"`},
		{name: "missing high name", mutate: func(c *Config) { c.Queues.High.Name = "" }, errString: "queues.high name is required"},
		{name: "missing low address", mutate: func(c *Config) { c.Queues.Low.Address = "" }, errString: "queues.low address is required"},
		{name: "zero batch", mutate: func(c *Config) { c.Queues.Low.MaxBatch = 0 }, errString: "queues.low max_batch"},
		{name: "same queue twice", mutate: func(c *Config) { c.Queues.Low.Name = "slicing-high" }, errString: "must be different queues"},
		{name: "empty work dir", mutate: func(c *Config) { c.Storage.WorkDir = "" }, errString: "work_dir is required"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Scheduler.MaxConcurrent = 0 }, errString: "max_concurrent"},
		{name: "zero successive high", mutate: func(c *Config) { c.Scheduler.MaxSuccessiveHigh = 0 }, errString: "max_successive_high"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Scheduler.PollInterval = 0 }, errString: "poll_interval"},
		{name: "zero renew interval", mutate: func(c *Config) { c.Lease.RenewInterval = 0 }, errString: "renew_interval must be greater than 0"},
		{name: "extension not above renew", mutate: func(c *Config) { c.Lease.Extension = c.Lease.RenewInterval }, errString: "must be longer than renew_interval"},
		{name: "missing slicer command", mutate: func(c *Config) { c.Slicer.Command = "" }, errString: "slicer command is required"},
		{name: "negative slicer timeout", mutate: func(c *Config) { c.Slicer.Timeout = -time.Second }, errString: "must not be negative"},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "shutdown_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}
