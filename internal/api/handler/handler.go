package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/slicer-worker/internal/worker"
)

// StatsProvider exposes the worker counters and scheduler state.
type StatsProvider interface {
	Stats() worker.Stats
}

// HealthChecker pings a backing database.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Stats         StatsProvider
	DB            HealthChecker
	Broker        ConnectionChecker
	Metrics       http.Handler
	HealthTimeout time.Duration
}

// StatusHandler serves the worker's status endpoints.
type StatusHandler struct {
	logger        *slog.Logger
	stats         StatsProvider
	db            HealthChecker
	broker        ConnectionChecker
	healthTimeout time.Duration
	now           func() time.Time
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(deps *Dependencies) *StatusHandler {
	timeout := deps.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &StatusHandler{
		logger:        deps.Logger,
		stats:         deps.Stats,
		db:            deps.DB,
		broker:        deps.Broker,
		healthTimeout: timeout,
		now:           time.Now,
	}
}
