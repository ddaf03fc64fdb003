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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cuongbtq/slicer-worker/internal/api/handler"
	"github.com/cuongbtq/slicer-worker/internal/api/router"
	"github.com/cuongbtq/slicer-worker/internal/config"
	"github.com/cuongbtq/slicer-worker/internal/metrics"
	"github.com/cuongbtq/slicer-worker/internal/queue"
	"github.com/cuongbtq/slicer-worker/internal/worker"
	"github.com/cuongbtq/slicer-worker/internal/worker/notify"
	"github.com/cuongbtq/slicer-worker/internal/worker/slicer"
	"github.com/cuongbtq/slicer-worker/internal/worker/storage"
	"github.com/cuongbtq/slicer-worker/shared/awsconfig"
	"github.com/cuongbtq/slicer-worker/shared/logger"
	"github.com/cuongbtq/slicer-worker/shared/objectstore"
	"github.com/cuongbtq/slicer-worker/shared/postgresql"
	"github.com/cuongbtq/slicer-worker/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
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

	defaultConfigPath := os.Getenv("SLICER_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/slicer-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	instanceID := uuid.NewString()
	appLogger.Info("Starting slicer worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("instance_id", instanceID),
		slog.String("queue_driver", cfg.Queues.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Component("storage"))
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		appLogger.Info("Database schema ensured")
	}

	if cfg.Queues.Driver == config.DriverRabbitMQ {
		cfg.RabbitMQ.Queues = append(cfg.RabbitMQ.Queues, cfg.Queues.High.Name, cfg.Queues.Low.Name)
	}
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	awsCfg, err := awsconfig.Load(ctx, awsconfig.Config{
		Region:          cfg.AWS.Region,
		Endpoint:        cfg.AWS.Endpoint,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
	})
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	storageEndpoint := cfg.Storage.Endpoint
	if storageEndpoint == "" {
		storageEndpoint = cfg.AWS.Endpoint
	}
	objects := objectstore.New(awsCfg, storageEndpoint, appLogger.Component("objectstore"))

	high, low := initQueues(cfg, awsCfg, rabbitClient)

	runner, err := slicer.New(slicer.Config{
		Command: cfg.Slicer.Command,
		Shell:   cfg.Slicer.Shell,
		Timeout: cfg.Slicer.Timeout,
		Dir:     cfg.Slicer.Dir,
	}, appLogger.Component("slicer"))
	if err != nil {
		return fmt.Errorf("failed to initialize slicer: %w", err)
	}

	notifier := notify.New(store, rabbitClient, cfg.Notify.QueuePrefix, appLogger.Component("notify"))
	m := metrics.New()

	w := worker.NewWorker(&worker.Config{
		Logger:             appLogger.Component("worker"),
		Metrics:            m,
		High:               high,
		Low:                low,
		Store:              store,
		Objects:            objects,
		Slicer:             runner,
		Notifier:           notifier,
		WorkDir:            cfg.Storage.WorkDir,
		StorageBaseURL:     cfg.Storage.BaseURL,
		MaxConcurrent:      cfg.Scheduler.MaxConcurrent,
		MaxSuccessiveHigh:  cfg.Scheduler.MaxSuccessiveHigh,
		PollInterval:       cfg.Scheduler.PollInterval,
		LeaseRenewInterval: cfg.Lease.RenewInterval,
		LeaseExtension:     cfg.Lease.Extension,
		RequireRequestType: cfg.Worker.RequireRequestType,
	})

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router.SetupRouter(&handler.Dependencies{
			Logger:  appLogger.Component("http"),
			Stats:   w,
			DB:      dbClient,
			Broker:  rabbitClient,
			Metrics: m.Handler(),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 2)
	go func() {
		appLogger.Info("Status server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("status server: %w", err)
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := w.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Slicer worker started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Fatal error, shutting down", slog.String("error", runErr.Error()))
	}

	// stop polling; running jobs continue on their own context
	cancel()
	<-workerDone

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		appLogger.Warn("Worker shutdown incomplete", slog.String("error", err.Error()))
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		appLogger.Warn("Status server shutdown failed", slog.String("error", err.Error()))
	}

	appLogger.Info("Slicer worker shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		Queues:             cfg.Queues,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// initQueues builds the HIGH and LOW job queues for the configured driver.
func initQueues(cfg *config.Config, awsCfg aws.Config, broker queue.Broker) (queue.Queue, queue.Queue) {
	descriptor := func(q config.QueueConfig, p queue.Priority) queue.Descriptor {
		address := q.Address
		if address == "" {
			address = q.Name
		}
		return queue.Descriptor{
			Name:              q.Name,
			Address:           address,
			Priority:          p,
			MaxBatch:          q.MaxBatch,
			VisibilityTimeout: q.VisibilityTimeout,
			WaitTime:          q.WaitTime,
		}
	}
	highDesc := descriptor(cfg.Queues.High, queue.High)
	lowDesc := descriptor(cfg.Queues.Low, queue.Low)

	if cfg.Queues.Driver == config.DriverRabbitMQ {
		return queue.NewRabbit(broker, highDesc), queue.NewRabbit(broker, lowDesc)
	}

	client := queue.NewSQSClient(awsCfg, cfg.AWS.Endpoint)
	return queue.NewSQS(client, highDesc), queue.NewSQS(client, lowDesc)
}
