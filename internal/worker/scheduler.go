package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/slicer-worker/internal/metrics"
	"github.com/cuongbtq/slicer-worker/internal/queue"
	"github.com/cuongbtq/slicer-worker/internal/worker/domain"
)

// Dispatcher takes ownership of a decoded message and reports whether it was
// admitted as a job. Only admitted messages count as receipts.
type Dispatcher func(ctx context.Context, msg *domain.Message) bool

// SchedulerConfig holds the scheduler limits.
type SchedulerConfig struct {
	High              queue.Queue
	Low               queue.Queue
	MaxConcurrent     int
	MaxSuccessiveHigh int
	PollInterval      time.Duration
}

// Scheduler polls the HIGH and LOW queues within the admission limit. After
// MaxSuccessiveHigh HIGH receipts in a row it asks LOW for one message before
// HIGH so LOW cannot starve.
type Scheduler struct {
	queues            map[queue.Priority]queue.Queue
	maxConcurrent     int
	maxSuccessiveHigh int
	pollInterval      time.Duration
	dispatch          Dispatcher
	logger            *slog.Logger
	metrics           *metrics.Metrics

	mu             sync.Mutex
	running        int
	successiveHigh int
}

// SchedulerStats is a point in time copy of the scheduler state.
type SchedulerStats struct {
	RunningProcesses       int                `json:"runningProcesses"`
	SuccessiveHigh         int                `json:"successiveHigh"`
	MaxConcurrentProcesses int                `json:"maxConcurrentProcesses"`
	MaxSuccessiveHigh      int                `json:"maxSuccessiveHigh"`
	Queues                 []queue.Descriptor `json:"queues"`
}

// NewScheduler creates a scheduler that hands messages to dispatch.
func NewScheduler(cfg SchedulerConfig, dispatch Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	queues := make(map[queue.Priority]queue.Queue, 2)
	if cfg.High != nil {
		queues[queue.High] = cfg.High
	}
	if cfg.Low != nil {
		queues[queue.Low] = cfg.Low
	}

	return &Scheduler{
		queues:            queues,
		maxConcurrent:     cfg.MaxConcurrent,
		maxSuccessiveHigh: cfg.MaxSuccessiveHigh,
		pollInterval:      cfg.PollInterval,
		dispatch:          dispatch,
		logger:            logger,
		metrics:           m,
	}
}

// Run ticks until ctx is done. The next tick is scheduled a fixed delay
// after the previous one finished.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started",
		slog.Int("max_concurrent", s.maxConcurrent),
		slog.Int("max_successive_high", s.maxSuccessiveHigh),
		slog.Duration("poll_interval", s.pollInterval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.pollInterval)
		}
	}
}

// Tick runs one polling round.
func (s *Scheduler) Tick(ctx context.Context) {
	permitted := s.maxConcurrent - s.Running()
	if permitted <= 0 {
		s.logger.Debug("At capacity, skipping poll", slog.Int("running", s.Running()))
		return
	}

	var err error
	if s.successiveHighCount() >= s.maxSuccessiveHigh {
		if permitted, err = s.poll(ctx, queue.Low, permitted, 1); err != nil {
			return
		}
	}
	if permitted, err = s.poll(ctx, queue.High, permitted, permitted); err != nil {
		return
	}
	_, _ = s.poll(ctx, queue.Low, permitted, permitted)
}

// poll asks priority for up to askFor messages, bounded by permitted, and
// returns what is left of permitted. A queue error ends the tick.
func (s *Scheduler) poll(ctx context.Context, priority queue.Priority, permitted, askFor int) (int, error) {
	q, ok := s.queues[priority]
	if !ok || permitted <= 0 {
		return permitted, nil
	}

	askFor = min(askFor, permitted)
	msgs, err := q.Receive(ctx, askFor)

	used := 0
	for _, raw := range msgs {
		msg, ok := s.decode(ctx, q, raw)
		if !ok {
			continue
		}

		if !s.dispatch(ctx, msg) {
			continue
		}
		s.recordReceipt(priority)
		used++
	}

	if used > 0 {
		s.metrics.MessagesReceived(priority.String(), used)
	}

	if err != nil {
		s.logger.Warn("Failed to receive messages",
			slog.String("queue", q.Descriptor().Name),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	return permitted - used, nil
}

// decode parses raw. Bodies that are not JSON are deleted from their queue.
// A JSON body with wrong-typed fields is still handed on so that it can be
// rejected against its job record.
func (s *Scheduler) decode(ctx context.Context, q queue.Queue, raw queue.Message) (*domain.Message, bool) {
	msg, err := domain.DecodeMessage(raw.Body)
	if err != nil {
		s.metrics.MessageDropped(raw.Priority.String())
		s.logger.Debug("Dropping unparsable message",
			slog.String("queue", q.Descriptor().Name),
			slog.String("error", err.Error()),
		)
		if err := q.Delete(ctx, raw.Handle); err != nil {
			s.logger.Warn("Failed to delete unparsable message",
				slog.String("queue", q.Descriptor().Name),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	msg.Handle = raw.Handle
	msg.Origin = raw.Priority
	return msg, true
}

func (s *Scheduler) recordReceipt(priority queue.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if priority == queue.High {
		s.successiveHigh++
	} else {
		s.successiveHigh = 0
	}
}

func (s *Scheduler) successiveHighCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successiveHigh
}

// Admit counts a job in.
func (s *Scheduler) Admit() int {
	s.mu.Lock()
	s.running++
	n := s.running
	s.mu.Unlock()

	s.metrics.SetRunning(n)
	return n
}

// Release counts a job out. The count never goes below zero.
func (s *Scheduler) Release() int {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	n := s.running
	s.mu.Unlock()

	s.metrics.SetRunning(n)
	return n
}

// Running returns the number of admitted jobs.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Queue returns the queue for priority.
func (s *Scheduler) Queue(priority queue.Priority) (queue.Queue, bool) {
	q, ok := s.queues[priority]
	return q, ok
}

// Stats returns the scheduler state.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	stats := SchedulerStats{
		RunningProcesses:       s.running,
		SuccessiveHigh:         s.successiveHigh,
		MaxConcurrentProcesses: s.maxConcurrent,
		MaxSuccessiveHigh:      s.maxSuccessiveHigh,
	}
	s.mu.Unlock()

	for _, p := range queue.Priorities {
		if q, ok := s.queues[p]; ok {
			stats.Queues = append(stats.Queues, q.Descriptor())
		}
	}
	return stats
}
