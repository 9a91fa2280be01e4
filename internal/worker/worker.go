// Package worker executes queued jobs: it fans a job's targets out over a
// bounded pool and settles the job in exactly one terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/metrics"
	"github.com/JakeFAU/web-extractor/internal/progress"
)

const defaultConcurrency = 5

// Config controls Worker behavior.
type Config struct {
	// Concurrency bounds how many targets of one job run at once.
	Concurrency int
}

// TargetRunner produces the Result for one target.
type TargetRunner interface {
	Run(ctx context.Context, jobID string, index int, target extract.Target, stop func() bool) extract.Result
}

// Archiver persists a completed job. Failures are its own concern.
type Archiver interface {
	Archive(ctx context.Context, job extract.Job)
}

// Worker consumes queue items and runs jobs.
type Worker struct {
	queue    extract.Queue
	jobStore extract.JobStore
	runner   TargetRunner
	archiver Archiver
	clock    extract.Clock
	progress progress.Emitter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. archiver and emitter may be nil.
func New(
	queue extract.Queue,
	jobStore extract.JobStore,
	runner TargetRunner,
	archiver Archiver,
	clock extract.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		runner:   runner,
		archiver: archiver,
		clock:    clock,
		progress: emitter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, extract.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.ProcessJob(ctx, item.JobID)
	}
}

// ProcessJob runs every target of jobID and records the terminal status.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) {
	logger := w.logger.With(zap.String("job_id", jobID))

	job, err := w.jobStore.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return
	}
	if job.Status != extract.JobStatusPending {
		logger.Info("skipping job that is no longer pending", zap.String("status", string(job.Status)))
		return
	}
	if err := w.jobStore.UpdateJobStatus(ctx, jobID, extract.JobStatusRunning, ""); err != nil {
		if errors.Is(err, extract.ErrJobFinished) {
			logger.Info("job cancelled before start")
			return
		}
		logger.Error("mark job running failed", zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	started := w.clock.Now()
	w.emit(jobID, progress.StageJobStart, 0, "")
	logger.Info("job started", zap.Int("targets", len(job.Targets)))

	runErr := w.runTargets(ctx, job)
	if runErr == nil && ctx.Err() != nil {
		runErr = &extract.OrchestratorFault{JobID: jobID, Err: fmt.Errorf("worker shutdown: %w", ctx.Err())}
	}
	w.settle(context.WithoutCancel(ctx), jobID, runErr, started, logger)
}

func (w *Worker) runTargets(ctx context.Context, job extract.Job) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.cfg.Concurrency)

	stop := func() bool { return w.cancelled(ctx, job.ID) }
	for index, target := range job.Targets {
		if groupCtx.Err() != nil || stop() {
			break
		}
		group.Go(func() error {
			if stop() {
				return nil
			}
			result := w.runTarget(groupCtx, job.ID, index, target, stop)
			if err := w.jobStore.AppendResult(ctx, job.ID, result); err != nil {
				if errors.Is(err, extract.ErrJobFinished) {
					w.logger.Debug("discarding result of finished job",
						zap.String("job_id", job.ID), zap.Int("target", index))
					return nil
				}
				return &extract.OrchestratorFault{JobID: job.ID, Err: fmt.Errorf("append result: %w", err)}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("run targets: %w", err)
	}
	return nil
}

// runTarget isolates a panicking target into a failed Result.
func (w *Worker) runTarget(
	ctx context.Context,
	jobID string,
	index int,
	target extract.Target,
	stop func() bool,
) (result extract.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("target panicked",
				zap.String("job_id", jobID),
				zap.Int("target", index),
				zap.Any("panic", r),
			)
			result = extract.Result{
				Index:     index,
				URL:       target.URL,
				Timestamp: w.clock.Now().UTC(),
				Data:      map[string]extract.Value{},
				Error:     fmt.Sprintf("internal error: %v", r),
				ErrorKind: "internal",
			}
		}
	}()
	return w.runner.Run(ctx, jobID, index, target, stop)
}

func (w *Worker) cancelled(ctx context.Context, jobID string) bool {
	status, err := w.jobStore.JobStatus(ctx, jobID)
	if err != nil {
		return false
	}
	return status == extract.JobStatusCancelled
}

// settle records the terminal status. A cancellation recorded by the
// registry always wins over the worker's own outcome.
func (w *Worker) settle(ctx context.Context, jobID string, runErr error, started time.Time, logger *zap.Logger) {
	elapsed := w.clock.Now().Sub(started)

	if runErr != nil {
		err := w.jobStore.UpdateJobStatus(ctx, jobID, extract.JobStatusFailed, runErr.Error())
		switch {
		case errors.Is(err, extract.ErrJobFinished):
			logger.Info("job cancelled while running", zap.NamedError("run_error", runErr))
			w.emit(jobID, progress.StageJobCancel, elapsed, "")
		case err != nil:
			logger.Error("mark job failed", zap.Error(err), zap.NamedError("run_error", runErr))
		default:
			logger.Error("job failed", zap.Error(runErr), zap.Duration("elapsed", elapsed))
			metrics.ObserveJob(string(extract.JobStatusFailed))
			w.emit(jobID, progress.StageJobError, elapsed, runErr.Error())
		}
		return
	}

	err := w.jobStore.UpdateJobStatus(ctx, jobID, extract.JobStatusCompleted, "")
	switch {
	case errors.Is(err, extract.ErrJobFinished):
		logger.Info("job cancelled while running")
		w.emit(jobID, progress.StageJobCancel, elapsed, "")
		return
	case err != nil:
		logger.Error("mark job completed", zap.Error(err))
		return
	}
	logger.Info("job completed", zap.Duration("elapsed", elapsed))
	metrics.ObserveJob(string(extract.JobStatusCompleted))
	w.emit(jobID, progress.StageJobDone, elapsed, "")

	if w.archiver == nil {
		return
	}
	job, err := w.jobStore.GetJob(ctx, jobID)
	if err != nil {
		logger.Warn("load job for archive failed", zap.Error(err))
		return
	}
	w.archiver.Archive(ctx, job)
}

func (w *Worker) emit(jobID string, stage progress.Stage, dur time.Duration, note string) {
	w.progress.Emit(progress.Event{
		JobID: jobID,
		TS:    w.clock.Now().UTC(),
		Stage: stage,
		Dur:   dur,
		Note:  note,
	})
}
