package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/slicer-worker/internal/queue"
	"github.com/cuongbtq/slicer-worker/internal/worker/domain"
)

// Outcome is how a job left the pipeline.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
)

// classifyOutcome maps a pipeline error to an outcome. Only a vanished print
// job record counts as cancellation; everything else is retried.
func classifyOutcome(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, domain.ErrJobCanceled):
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}

// dispatch validates msg and, when it is a proper job, admits it and starts
// its pipeline. It reports whether a job was admitted and never blocks on I/O.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) bool {
	jobCtx := context.WithoutCancel(ctx)

	job, err := w.assets.NewJob(msg, w.requireRequestType)
	if err != nil {
		w.jobs.Add(1)
		go func() {
			defer w.jobs.Done()
			w.reject(jobCtx, msg, err)
		}()
		return false
	}

	if !w.claim(job.ID, job.Handle, job.Origin) {
		w.logger.Warn("Job already in flight, holding duplicate delivery until it settles",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Origin.String()),
		)
		return false
	}

	w.scheduler.Admit()
	w.leases.Track(job.Handle, job.Origin)

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		w.runJob(jobCtx, job)
	}()
	return true
}

// reject marks the record of a malformed message as failed and requeues it.
func (w *Worker) reject(ctx context.Context, msg *domain.Message, cause error) {
	logger := w.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("job_oid", msg.JobOID),
		slog.String("queue", msg.Origin.String()),
	)
	logger.Warn("Rejecting malformed message", slog.String("error", cause.Error()))

	if msg.JobOID != "" {
		w.pipeline.MarkError(ctx, msg.JobOID, msg.JobID, cause)
	}

	if msg.Handle == "" {
		return
	}
	q, ok := w.scheduler.Queue(msg.Origin)
	if !ok {
		return
	}
	if err := q.Requeue(ctx, msg.Handle); err != nil {
		logger.Error("Failed to requeue message", slog.String("error", err.Error()))
	}
}

// runJob runs the pipeline and settles the message according to the outcome.
func (w *Worker) runJob(ctx context.Context, job *domain.Job) Outcome {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_oid", job.OID),
		slog.String("queue", job.Origin.String()),
	)
	logger.Info("Processing job")

	defer w.scheduler.Release()

	err := w.pipeline.Run(ctx, job)
	outcome := classifyOutcome(err)

	switch outcome {
	case OutcomeSucceeded:
		w.succeeded.Add(1)
		w.settle(ctx, logger, job.Handle, job.Origin, false)
		logger.Info("Job completed successfully")

	case OutcomeCanceled:
		job.Stage = domain.StageCanceled
		w.canceled.Add(1)
		w.settle(ctx, logger, job.Handle, job.Origin, false)
		logger.Info("Job canceled upstream, message removed")

	case OutcomeFailed:
		failedAt := job.Stage
		job.Stage = domain.StageFailed
		w.failed.Add(1)
		logger.Error("Job processing failed",
			slog.String("stage", string(failedAt)),
			slog.String("error", err.Error()),
		)
		w.pipeline.MarkError(ctx, job.OID, job.ID, err)
		w.settle(ctx, logger, job.Handle, job.Origin, true)
	}

	// duplicates share the fate of the delivery that ran
	for _, dup := range w.unclaim(job.ID) {
		w.settle(ctx, logger, dup.handle, dup.origin, outcome == OutcomeFailed)
	}

	w.metrics.JobFinished(string(outcome))
	return outcome
}

// settle stops renewing the lease of handle and then deletes or requeues the
// message on the queue it came from.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, handle string, origin queue.Priority, requeue bool) {
	if tracked, ok := w.leases.Untrack(handle); ok {
		origin = tracked
	}

	q, ok := w.scheduler.Queue(origin)
	if !ok {
		logger.Error("No queue for message origin", slog.String("queue", origin.String()))
		return
	}

	if requeue {
		if err := q.Requeue(ctx, handle); err != nil {
			logger.Error("Failed to requeue message", slog.String("error", err.Error()))
		}
		return
	}

	if err := q.Delete(ctx, handle); err != nil {
		logger.Error("Failed to delete message", slog.String("error", err.Error()))
	}
}
