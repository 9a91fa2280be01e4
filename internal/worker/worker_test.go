package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/fetcher"
	collyfetcher "github.com/JakeFAU/web-extractor/internal/fetcher/colly"
	"github.com/JakeFAU/web-extractor/internal/progress"
	"github.com/JakeFAU/web-extractor/internal/runner"
	"github.com/JakeFAU/web-extractor/internal/safety"
	queuemem "github.com/JakeFAU/web-extractor/internal/queue/memory"
	storemem "github.com/JakeFAU/web-extractor/internal/storage/memory"
)

type runFunc func(ctx context.Context, index int, target extract.Target) extract.Result

type fakeRunner struct {
	mu    sync.Mutex
	calls []int
	fn    runFunc
}

func (r *fakeRunner) Run(ctx context.Context, _ string, index int, target extract.Target, _ func() bool) extract.Result {
	r.mu.Lock()
	r.calls = append(r.calls, index)
	r.mu.Unlock()
	return r.fn(ctx, index, target)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func succeed(_ context.Context, index int, target extract.Target) extract.Result {
	return extract.Result{
		Index:   index,
		URL:     target.URL,
		Success: true,
		Data:    map[string]extract.Value{"title": extract.Text(target.URL)},
	}
}

type fakeArchiver struct {
	mu   sync.Mutex
	jobs []extract.Job
}

func (a *fakeArchiver) Archive(_ context.Context, job extract.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1700000000, 0) }

type recorder struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, evt.Stage)
}

func (r *recorder) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Stage(nil), r.stages...)
}

func targets(urls ...string) []extract.Target {
	out := make([]extract.Target, len(urls))
	for i, u := range urls {
		out[i] = extract.Target{URL: u, Selectors: []extract.SelectorRule{{ID: "title", Path: "title"}}}
	}
	return out
}

func seedJob(t *testing.T, store extract.JobStore, id string, urls ...string) {
	t.Helper()
	require.NoError(t, store.CreateJob(context.Background(), extract.Job{
		ID:      id,
		Status:  extract.JobStatusPending,
		Targets: targets(urls...),
	}))
}

func TestProcessJobCompletes(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore()
	seedJob(t, store, "job-1", "https://a.example", "https://b.example", "https://c.example")
	runner := &fakeRunner{fn: succeed}
	archiver := &fakeArchiver{}
	events := &recorder{}

	w := New(nil, store, runner, archiver, fakeClock{}, events, Config{Concurrency: 2}, zap.NewNop())
	w.ProcessJob(context.Background(), "job-1")

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, extract.JobStatusCompleted, job.Status)
	require.Len(t, job.Results, 3)
	require.Len(t, archiver.jobs, 1)
	require.Equal(t, extract.JobStatusCompleted, archiver.jobs[0].Status)
	require.Equal(t, []progress.Stage{progress.StageJobStart, progress.StageJobDone}, events.Stages())
}

func TestProcessJobIsolatesTargetFailures(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore()
	seedJob(t, store, "job-1", "https://ok.example", "https://slow.example", "https://boom.example")
	runner := &fakeRunner{fn: func(ctx context.Context, index int, target extract.Target) extract.Result {
		switch target.URL {
		case "https://slow.example":
			return extract.Result{Index: index, URL: target.URL, Error: "fetch timed out", ErrorKind: "timeout"}
		case "https://boom.example":
			panic("selector engine exploded")
		}
		return succeed(ctx, index, target)
	}}

	w := New(nil, store, runner, nil, fakeClock{}, nil, Config{}, zap.NewNop())
	w.ProcessJob(context.Background(), "job-1")

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, extract.JobStatusCompleted, job.Status)
	require.Len(t, job.Results, 3)

	byURL := map[string]extract.Result{}
	for _, r := range job.Results {
		byURL[r.URL] = r
	}
	require.True(t, byURL["https://ok.example"].Success)
	require.Equal(t, "timeout", byURL["https://slow.example"].ErrorKind)
	require.False(t, byURL["https://boom.example"].Success)
	require.Contains(t, byURL["https://boom.example"].Error, "selector engine exploded")
	require.NotNil(t, byURL["https://boom.example"].Data)
}

func TestProcessJobCancellationKeepsCompletedResults(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore()
	seedJob(t, store, "job-1", "https://a.example", "https://b.example", "https://c.example")

	blocked := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, index int, target extract.Target) extract.Result {
		if index == 1 {
			close(blocked)
			<-release
		}
		return succeed(ctx, index, target)
	}}
	events := &recorder{}

	w := New(nil, store, runner, nil, fakeClock{}, events, Config{Concurrency: 1}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.ProcessJob(context.Background(), "job-1")
		close(done)
	}()

	<-blocked
	cancelled, err := store.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, cancelled)
	close(release)
	<-done

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, extract.JobStatusCancelled, job.Status)
	require.Len(t, job.Results, 1)
	require.Equal(t, 0, job.Results[0].Index)
	require.Equal(t, 2, runner.callCount())
	require.Contains(t, events.Stages(), progress.StageJobCancel)
}

func TestProcessJobSkipsCancelledJob(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore()
	seedJob(t, store, "job-1", "https://a.example")
	_, err := store.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)

	runner := &fakeRunner{fn: succeed}
	w := New(nil, store, runner, nil, fakeClock{}, nil, Config{}, zap.NewNop())
	w.ProcessJob(context.Background(), "job-1")

	require.Zero(t, runner.callCount())
}

type faultyStore struct {
	*storemem.JobStore
}

func (faultyStore) AppendResult(context.Context, string, extract.Result) error {
	return errors.New("disk full")
}

func TestProcessJobStoreFaultFailsJob(t *testing.T) {
	t.Parallel()

	store := faultyStore{JobStore: storemem.NewJobStore()}
	seedJob(t, store, "job-1", "https://a.example")
	events := &recorder{}

	w := New(nil, store, &fakeRunner{fn: succeed}, nil, fakeClock{}, events, Config{}, zap.NewNop())
	w.ProcessJob(context.Background(), "job-1")

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, extract.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "orchestrator fault")
	require.Contains(t, job.Error, "disk full")
	require.Contains(t, events.Stages(), progress.StageJobError)
}

func TestProcessJobShutdownFailsJob(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore()
	seedJob(t, store, "job-1", "https://a.example")
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{fn: func(ctx context.Context, index int, target extract.Target) extract.Result {
		cancel()
		return succeed(ctx, index, target)
	}}

	w := New(nil, store, runner, nil, fakeClock{}, nil, Config{}, zap.NewNop())
	w.ProcessJob(ctx, "job-1")

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, extract.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "worker shutdown")
}

func TestRunConsumesQueueUntilClosed(t *testing.T) {
	t.Parallel()

	store := storemem.NewJobStore()
	seedJob(t, store, "job-1", "https://a.example")
	queue := queuemem.NewQueue(4)
	require.NoError(t, queue.Enqueue(context.Background(), extract.QueueItem{JobID: "job-1"}))

	w := New(queue, store, &fakeRunner{fn: succeed}, nil, fakeClock{}, nil, Config{}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		status, err := store.JobStatus(context.Background(), "job-1")
		return err == nil && status == extract.JobStatusCompleted
	}, time.Second, 10*time.Millisecond)

	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestProcessJobSlowTargetTimesOutWithoutFailingJob(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = io.WriteString(w, "<html><h1>late</h1></html>")
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html><head><title>Shop</title></head><h1>Widget</h1></html>")
	}))
	defer fast.Close()

	static := collyfetcher.New(collyfetcher.Config{Guard: safety.AllowAll})
	adapter := fetcher.New(fetcher.Config{}, static, fetcher.WithGuard(safety.AllowAll))
	targetRunner := runner.New(adapter, safety.AllowAll, fakeClock{}, nil, runner.Config{}, zap.NewNop())

	noRetries := 0
	rule := []extract.SelectorRule{{ID: "heading", Path: "h1", Kind: extract.KindText}}
	store := storemem.NewJobStore()
	require.NoError(t, store.CreateJob(context.Background(), extract.Job{
		ID:     "job-1",
		Status: extract.JobStatusPending,
		Targets: []extract.Target{
			{URL: slow.URL, Selectors: rule, Options: extract.FetchOptions{Timeout: 100, MaxRetries: &noRetries}},
			{URL: fast.URL, Selectors: rule},
		},
	}))

	w := New(nil, store, targetRunner, nil, fakeClock{}, nil, Config{Concurrency: 2}, zap.NewNop())
	w.ProcessJob(context.Background(), "job-1")

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, extract.JobStatusCompleted, job.Status)
	require.Len(t, job.Results, 2)

	byIndex := map[int]extract.Result{}
	for _, r := range job.Results {
		byIndex[r.Index] = r
	}
	timedOut := byIndex[0]
	require.False(t, timedOut.Success)
	require.Equal(t, string(extract.FetchTimeout), timedOut.ErrorKind)
	require.NotEmpty(t, timedOut.Error)

	ok := byIndex[1]
	require.True(t, ok.Success)
	require.Equal(t, extract.Text("Widget"), ok.Data["heading"])
	require.Equal(t, "Shop", ok.Metadata.PageTitle)
}
