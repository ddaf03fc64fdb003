package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/slicer-worker/internal/metrics"
	"github.com/cuongbtq/slicer-worker/internal/queue"
	"github.com/cuongbtq/slicer-worker/internal/worker/domain"
)

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	High     queue.Queue
	Low      queue.Queue
	Store    JobStore
	Objects  ObjectStore
	Slicer   Slicer
	Notifier Notifier

	WorkDir            string
	StorageBaseURL     string
	MaxConcurrent      int
	MaxSuccessiveHigh  int
	PollInterval       time.Duration
	LeaseRenewInterval time.Duration
	LeaseExtension     time.Duration
	RequireRequestType bool
}

// Worker pulls slicing jobs from the HIGH and LOW queues and runs them.
type Worker struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	scheduler *Scheduler
	leases    *LeaseTracker
	pipeline  *Pipeline
	assets    domain.AssetParser

	requireRequestType bool
	renewInterval      time.Duration
	leaseExtension     time.Duration

	succeeded atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64

	inflightMu sync.Mutex
	inflight   map[string][]delivery

	jobs        sync.WaitGroup
	started     atomic.Bool
	renewCtx    context.Context
	renewCancel context.CancelFunc
	renewDone   chan struct{}
}

// Stats is the payload of the status endpoint.
type Stats struct {
	JobsSucceeded int64 `json:"jobsSucceeded"`
	JobsFailed    int64 `json:"jobsFailed"`
	JobsCanceled  int64 `json:"jobsCanceled"`
	SchedulerStats
	KeepAlive map[string]queue.Priority `json:"keepAlive"`
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		leases:  NewLeaseTracker(),
		pipeline: NewPipeline(
			cfg.Store, cfg.Objects, cfg.Slicer, cfg.Notifier,
			cfg.Logger.With(slog.String("component", "pipeline")), cfg.Metrics,
		),
		assets:             domain.AssetParser{WorkDir: cfg.WorkDir, BaseURL: cfg.StorageBaseURL},
		requireRequestType: cfg.RequireRequestType,
		renewInterval:      cfg.LeaseRenewInterval,
		leaseExtension:     cfg.LeaseExtension,
		inflight:           make(map[string][]delivery),
		renewDone:          make(chan struct{}),
	}
	w.renewCtx, w.renewCancel = context.WithCancel(context.Background())

	w.scheduler = NewScheduler(SchedulerConfig{
		High:              cfg.High,
		Low:               cfg.Low,
		MaxConcurrent:     cfg.MaxConcurrent,
		MaxSuccessiveHigh: cfg.MaxSuccessiveHigh,
		PollInterval:      cfg.PollInterval,
	}, w.dispatch, cfg.Logger.With(slog.String("component", "scheduler")), cfg.Metrics)

	return w
}

// Start polls until ctx is canceled. Lease renewal keeps running until Stop
// so jobs still in flight keep their messages.
func (w *Worker) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.assets.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir %s: %w", w.assets.WorkDir, err)
	}

	w.logger.Info("Starting worker",
		slog.String("work_dir", w.assets.WorkDir),
		slog.Duration("lease_renew_interval", w.renewInterval),
		slog.Duration("lease_extension", w.leaseExtension),
	)

	w.started.Store(true)
	go func() {
		defer close(w.renewDone)
		w.runLeaseRenewal(w.renewCtx)
	}()

	w.scheduler.Run(ctx)
	return nil
}

// Stop waits for in-flight jobs, then stops lease renewal. It gives up when
// ctx is done; jobs still running then lose their leases and are redelivered.
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...", slog.Int("running", w.scheduler.Running()))

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		w.logger.Info("All jobs finished")
	case <-ctx.Done():
		err = errors.New("timed out waiting for running jobs")
	}

	w.renewCancel()
	if w.started.Load() {
		<-w.renewDone
	}

	w.logger.Info("Worker stopped")
	return err
}

// Stats returns job counters and the scheduler state.
func (w *Worker) Stats() Stats {
	return Stats{
		JobsSucceeded:  w.succeeded.Load(),
		JobsFailed:     w.failed.Load(),
		JobsCanceled:   w.canceled.Load(),
		SchedulerStats: w.scheduler.Stats(),
		KeepAlive:      w.leases.Origins(),
	}
}

func (w *Worker) runLeaseRenewal(ctx context.Context) {
	ticker := time.NewTicker(w.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.renewLeases(ctx)
		}
	}
}

// renewLeases extends every tracked lease with one batch per queue.
func (w *Worker) renewLeases(ctx context.Context) {
	for origin, handles := range w.leases.Snapshot() {
		q, ok := w.scheduler.Queue(origin)
		if !ok || len(handles) == 0 {
			continue
		}

		err := q.ExtendVisibility(ctx, handles, w.leaseExtension)
		w.metrics.LeaseRenewal(origin.String(), err)
		if err != nil {
			w.logger.Warn("Failed to renew leases",
				slog.String("queue", q.Descriptor().Name),
				slog.Int("count", len(handles)),
				slog.String("error", err.Error()),
			)
			continue
		}

		w.logger.Debug("Leases renewed",
			slog.String("queue", q.Descriptor().Name),
			slog.Int("count", len(handles)),
		)
	}
}

// delivery is a received message that is not running on its own.
type delivery struct {
	handle string
	origin queue.Priority
}

// claim marks jobID in flight. When the job already is, the message is
// attached to it instead, its lease is kept alive and claim returns false.
func (w *Worker) claim(jobID, handle string, origin queue.Priority) bool {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()

	if dups, ok := w.inflight[jobID]; ok {
		w.inflight[jobID] = append(dups, delivery{handle: handle, origin: origin})
		w.leases.Track(handle, origin)
		return false
	}
	w.inflight[jobID] = nil
	return true
}

// unclaim clears jobID and returns the duplicate deliveries attached to it.
func (w *Worker) unclaim(jobID string) []delivery {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()

	dups := w.inflight[jobID]
	delete(w.inflight, jobID)
	return dups
}
