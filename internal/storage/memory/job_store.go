// Package memory keeps jobs and blobs in process memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// JobStore is the in-process job registry. Every read returns a deep copy so
// callers never observe later mutations. Finished jobs are evicted by age and
// count when retention is configured; active jobs are never evicted.
type JobStore struct {
	mu          sync.RWMutex
	jobs        map[string]*extract.Job
	now         func() time.Time
	retention   time.Duration
	maxFinished int
}

// Option customizes a JobStore.
type Option func(*JobStore)

// WithRetention evicts jobs that finished more than ttl ago.
func WithRetention(ttl time.Duration) Option {
	return func(s *JobStore) { s.retention = ttl }
}

// WithMaxFinished keeps at most n finished jobs, evicting the oldest first.
func WithMaxFinished(n int) Option {
	return func(s *JobStore) { s.maxFinished = n }
}

// NewJobStore constructs a JobStore. Without options nothing is evicted.
func NewJobStore(opts ...Option) *JobStore {
	s := &JobStore{
		jobs: make(map[string]*extract.Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob registers a new job, pruning finished jobs first.
func (s *JobStore) CreateJob(_ context.Context, job extract.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if _, exists := s.jobs[job.ID]; exists {
		return extract.ErrJobExists
	}
	stored := cloneJob(job)
	if stored.Results == nil {
		stored.Results = []extract.Result{}
	}
	s.jobs[job.ID] = &stored
	return nil
}

// GetJob returns a snapshot of the job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (extract.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return extract.Job{}, extract.ErrJobNotFound
	}
	return cloneJob(*job), nil
}

// JobStatus returns only the status, without copying results.
func (s *JobStore) JobStatus(_ context.Context, jobID string) (extract.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return "", extract.ErrJobNotFound
	}
	return job.Status, nil
}

// UpdateJobStatus moves a job to status. Terminal jobs never change again.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status extract.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return extract.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return extract.ErrJobFinished
	}
	s.transition(job, status, errText)
	return nil
}

// AppendResult records a target result on a job that is still active.
func (s *JobStore) AppendResult(_ context.Context, jobID string, result extract.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return extract.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return extract.ErrJobFinished
	}
	job.Results = append(job.Results, cloneResult(result))
	return nil
}

// CancelJob marks a pending or running job cancelled. It reports false when
// the job had already finished.
func (s *JobStore) CancelJob(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, extract.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	s.transition(job, extract.JobStatusCancelled, "")
	return true, nil
}

// Prune evicts finished jobs past the retention limits and reports how many
// were removed.
func (s *JobStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *JobStore) pruneLocked() int {
	if s.retention <= 0 && s.maxFinished <= 0 {
		return 0
	}
	now := s.now()
	removed := 0
	var finished []*extract.Job
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.FinishedAt == nil {
			continue
		}
		if s.retention > 0 && now.Sub(*job.FinishedAt) > s.retention {
			delete(s.jobs, id)
			removed++
			continue
		}
		finished = append(finished, job)
	}
	if s.maxFinished > 0 && len(finished) > s.maxFinished {
		sort.Slice(finished, func(i, j int) bool {
			a, b := finished[i], finished[j]
			if !a.FinishedAt.Equal(*b.FinishedAt) {
				return a.FinishedAt.Before(*b.FinishedAt)
			}
			return a.ID < b.ID
		})
		for _, job := range finished[:len(finished)-s.maxFinished] {
			delete(s.jobs, job.ID)
			removed++
		}
	}
	return removed
}

func (s *JobStore) transition(job *extract.Job, status extract.JobStatus, errText string) {
	now := s.now().UTC()
	job.Status = status
	if errText != "" {
		job.Error = errText
	}
	if status == extract.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.FinishedAt = &now
	}
}

func cloneJob(job extract.Job) extract.Job {
	out := job
	if job.Targets != nil {
		out.Targets = append([]extract.Target(nil), job.Targets...)
	}
	if job.Results != nil {
		out.Results = make([]extract.Result, len(job.Results))
		for i, r := range job.Results {
			out.Results[i] = cloneResult(r)
		}
	}
	if job.StartedAt != nil {
		ts := *job.StartedAt
		out.StartedAt = &ts
	}
	if job.FinishedAt != nil {
		ts := *job.FinishedAt
		out.FinishedAt = &ts
	}
	if job.Persist != nil {
		persist := *job.Persist
		out.Persist = &persist
	}
	return out
}

func cloneResult(r extract.Result) extract.Result {
	out := r
	out.Data = make(map[string]extract.Value, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	return out
}
