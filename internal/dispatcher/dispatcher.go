// Package dispatcher is the job orchestrator facade: it accepts submissions,
// answers status and cancel requests, and fans queued work out to workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/metrics"
	"github.com/JakeFAU/web-extractor/internal/worker"
)

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Targets  []extract.Target
	ClientID string
	Persist  *extract.PersistSpec
}

// TableChecker reports whether rows may be written to a table.
type TableChecker interface {
	Allowed(table string) bool
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTableChecker rejects persist requests naming tables the checker refuses.
// Without one, any submission carrying a persist spec is rejected.
func WithTableChecker(checker TableChecker) Option {
	return func(d *Dispatcher) {
		d.tables = checker
	}
}

// Dispatcher owns job submission and the worker pool.
type Dispatcher struct {
	queue    extract.Queue
	jobStore extract.JobStore
	ids      extract.IDGenerator
	clock    extract.Clock
	workers  []*worker.Worker
	tables   TableChecker
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue extract.Queue,
	jobStore extract.JobStore,
	ids extract.IDGenerator,
	clock extract.Clock,
	workers []*worker.Worker,
	logger *zap.Logger,
	opts ...Option,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:    queue,
		jobStore: jobStore,
		ids:      ids,
		clock:    clock,
		workers:  workers,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit validates req, registers a pending job and queues it. The job id is
// returned even when queueing fails, since the job then exists as Failed.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := d.validate(req); err != nil {
		return "", err
	}
	jobID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := extract.Job{
		ID:        jobID,
		ClientID:  req.ClientID,
		Targets:   req.Targets,
		Status:    extract.JobStatusPending,
		CreatedAt: d.clock.Now().UTC(),
		Persist:   req.Persist,
	}
	if err := d.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	logger := d.logger.With(zap.String("job_id", jobID), zap.String("client_id", req.ClientID))
	if err := d.queue.Enqueue(ctx, extract.QueueItem{JobID: jobID, Submitted: job.CreatedAt.Unix()}); err != nil {
		fault := &extract.OrchestratorFault{JobID: jobID, Err: fmt.Errorf("enqueue: %w", err)}
		if uerr := d.jobStore.UpdateJobStatus(context.WithoutCancel(ctx), jobID, extract.JobStatusFailed, fault.Error()); uerr != nil {
			logger.Error("mark unqueued job failed", zap.Error(uerr))
		} else {
			metrics.ObserveJob(string(extract.JobStatusFailed))
		}
		logger.Warn("job could not be queued", zap.Error(err))
		return jobID, fault
	}
	logger.Info("job submitted", zap.Int("targets", len(req.Targets)))
	return jobID, nil
}

// Status returns a snapshot of the job.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (extract.Job, error) {
	job, err := d.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return extract.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// Cancel marks a pending or running job cancelled. It reports false, without
// error, for a job that already reached a terminal state.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := d.jobStore.CancelJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if cancelled {
		metrics.ObserveJob(string(extract.JobStatusCancelled))
		d.logger.Info("job cancelled", zap.String("job_id", jobID))
	}
	return cancelled, nil
}

// Wait polls every interval until the job reaches a terminal state or ctx
// finishes.
func (d *Dispatcher) Wait(ctx context.Context, jobID string, interval time.Duration) (extract.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := d.Status(ctx, jobID)
		if err != nil {
			return extract.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) validate(req SubmitRequest) error {
	if err := extract.ValidateTargets(req.Targets); err != nil {
		return err
	}
	if req.Persist == nil {
		return nil
	}
	if err := req.Persist.Validate(); err != nil {
		return err
	}
	if d.tables == nil || !d.tables.Allowed(req.Persist.Table) {
		return &extract.ValidationError{Field: "persist.table", Msg: fmt.Sprintf("table %q is not allowed", req.Persist.Table)}
	}
	return nil
}
