package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/slicer-worker/internal/metrics"
	"github.com/cuongbtq/slicer-worker/internal/worker/domain"
	"github.com/cuongbtq/slicer-worker/internal/worker/slicer"
	"golang.org/x/sync/errgroup"
)

// JobStore persists the slicing progress of print jobs.
type JobStore interface {
	UpdateSlicing(ctx context.Context, jobOID string, slicing domain.Slicing, gcodeFile string) error
	ClearSlicing(ctx context.Context, jobOID, jobID string) error
	GetJobRecord(ctx context.Context, jobOID string) (*domain.JobRecord, error)
}

// ObjectStore moves job assets between object storage and local disk.
type ObjectStore interface {
	Download(ctx context.Context, bucket, key, localPath string) error
	Upload(ctx context.Context, localPath, bucket, key string) error
}

// Slicer runs the slicing engine.
type Slicer interface {
	Run(ctx context.Context, paths slicer.Paths) (string, error)
}

// Notifier tells a printer that its job is ready.
type Notifier interface {
	NotifyPrint(ctx context.Context, job *domain.Job) error
}

type stage struct {
	name domain.Stage
	run  func(ctx context.Context, job *domain.Job) error
}

// Pipeline drives one job through prepare, slice, upload and finalize.
// Scratch files are removed whatever the outcome.
type Pipeline struct {
	store    JobStore
	objects  ObjectStore
	slicer   Slicer
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewPipeline wires the pipeline collaborators.
func NewPipeline(store JobStore, objects ObjectStore, s Slicer, n Notifier, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:    store,
		objects:  objects,
		slicer:   s,
		notifier: n,
		logger:   logger,
		metrics:  m,
	}
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{name: domain.StagePreparing, run: p.prepare},
		{name: domain.StageSlicing, run: p.slice},
		{name: domain.StageUploading, run: p.upload},
		{name: domain.StageDone, run: p.finalize},
	}
}

// Run executes every stage in order and stops at the first error, which is
// returned as a *domain.StageError.
func (p *Pipeline) Run(ctx context.Context, job *domain.Job) error {
	defer p.cleanup(job)

	for _, st := range p.stages() {
		start := time.Now()
		err := st.run(ctx, job)
		p.metrics.ObserveStage(string(st.name), time.Since(start))

		if err != nil {
			return domain.NewStageError(st.name, err)
		}
	}
	return nil
}

func (p *Pipeline) prepare(ctx context.Context, job *domain.Job) error {
	// a redelivered job may still carry the gcode of an earlier run
	record, err := p.store.GetJobRecord(ctx, job.OID)
	switch {
	case errors.Is(err, domain.ErrJobCanceled):
		return err
	case err != nil:
		p.jobLogger(job).Warn("Unable to read the print job record", slog.String("error", err.Error()))
	case record.GCodeFile != "":
		if err := p.store.ClearSlicing(ctx, job.OID, job.ID); err != nil {
			if errors.Is(err, domain.ErrJobCanceled) {
				return err
			}
			p.jobLogger(job).Warn("Unable to clear stale slicing state", slog.String("error", err.Error()))
		}
	}

	if err := p.setState(ctx, job, domain.StagePreparing, domain.StatusPreparing); err != nil {
		return err
	}
	return p.download(ctx, job)
}

// download fetches the model and the slicing options concurrently.
func (p *Pipeline) download(ctx context.Context, job *domain.Job) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range []domain.Asset{job.STL, job.Config} {
		asset := asset
		g.Go(func() error {
			if err := p.objects.Download(gctx, asset.Bucket, asset.Key, asset.LocalPath); err != nil {
				return fmt.Errorf("failed to download %s: %w", asset.URL, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) slice(ctx context.Context, job *domain.Job) error {
	if err := p.setState(ctx, job, domain.StageSlicing, domain.StatusSlicing); err != nil {
		return err
	}

	stdout, err := p.slicer.Run(ctx, slicer.Paths{
		Config: job.Config.LocalPath,
		STL:    job.STL.LocalPath,
		GCode:  job.GCode.LocalPath,
	})
	if err != nil {
		return err
	}

	p.jobLogger(job).Debug("Slicer output", slog.String("stdout", stdout))
	return nil
}

func (p *Pipeline) upload(ctx context.Context, job *domain.Job) error {
	if err := p.setState(ctx, job, domain.StageUploading, domain.StatusUploading); err != nil {
		return err
	}

	if err := p.objects.Upload(ctx, job.GCode.LocalPath, job.GCode.Bucket, job.GCode.Key); err != nil {
		return fmt.Errorf("failed to upload %s: %w", job.GCode.URL, err)
	}
	return nil
}

func (p *Pipeline) finalize(ctx context.Context, job *domain.Job) error {
	if err := p.setState(ctx, job, domain.StageDone, domain.StatusDone); err != nil {
		return err
	}

	if job.RequestType != domain.RequestPrint {
		return nil
	}
	return p.notifier.NotifyPrint(ctx, job)
}

// setState moves job to stage and writes status. Only a missing record is
// reported; other write failures are logged.
func (p *Pipeline) setState(ctx context.Context, job *domain.Job, stage domain.Stage, status domain.SlicingStatus) error {
	job.Stage = stage

	var gcodeFile string
	if status == domain.StatusDone {
		gcodeFile = job.GCode.URL
	}

	err := p.store.UpdateSlicing(ctx, job.OID, domain.NewSlicing(job.ID, status, nil), gcodeFile)
	switch {
	case errors.Is(err, domain.ErrJobCanceled):
		p.jobLogger(job).Info("Print job no longer exists; likely removed from the queue")
		return err
	case err != nil:
		p.jobLogger(job).Warn("Unable to update the print job record",
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// MarkError records cause on the print job. Failures are only logged.
func (p *Pipeline) MarkError(ctx context.Context, jobOID, jobID string, cause error) {
	err := p.store.UpdateSlicing(ctx, jobOID, domain.NewSlicing(jobID, domain.StatusError, cause), "")
	if err != nil {
		p.logger.Warn("Unable to mark print job as failed",
			slog.String("job_id", jobID),
			slog.String("job_oid", jobOID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) cleanup(job *domain.Job) {
	for _, path := range job.LocalPaths() {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.jobLogger(job).Warn("Unable to remove scratch file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pipeline) jobLogger(job *domain.Job) *slog.Logger {
	return p.logger.With(slog.String("job_id", job.ID), slog.String("job_oid", job.OID))
}
