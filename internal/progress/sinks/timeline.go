package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/web-extractor/internal/progress"
)

const defaultTimelineJobs = 512

// Timeline keeps the most recent events of recent jobs in memory so the API
// can show how a job is progressing.
type Timeline struct {
	mu        sync.RWMutex
	perJob    int
	maxJobs   int
	events    map[string][]progress.Event
	evictList []string
}

// NewTimeline keeps up to perJob events for each of the last maxJobs jobs.
func NewTimeline(perJob, maxJobs int) *Timeline {
	if perJob <= 0 {
		perJob = 200
	}
	if maxJobs <= 0 {
		maxJobs = defaultTimelineJobs
	}
	return &Timeline{
		perJob:  perJob,
		maxJobs: maxJobs,
		events:  make(map[string][]progress.Event),
	}
}

// Consume appends batch to the per-job histories.
func (t *Timeline) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		history, seen := t.events[evt.JobID]
		if !seen {
			t.track(evt.JobID)
		}
		history = append(history, evt)
		if len(history) > t.perJob {
			history = append([]progress.Event(nil), history[len(history)-t.perJob:]...)
		}
		t.events[evt.JobID] = history
	}
	return nil
}

func (t *Timeline) track(jobID string) {
	t.evictList = append(t.evictList, jobID)
	for len(t.evictList) > t.maxJobs {
		oldest := t.evictList[0]
		t.evictList = t.evictList[1:]
		delete(t.events, oldest)
	}
}

// Events returns a copy of the recorded history for jobID.
func (t *Timeline) Events(jobID string) []progress.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]progress.Event(nil), t.events[jobID]...)
}

// Close implements progress.Sink.
func (t *Timeline) Close(context.Context) error {
	return nil
}
