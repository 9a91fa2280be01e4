package extract

import (
	"context"
	"io"
	"time"
)

// JobStore is the job registry.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	AppendResult(ctx context.Context, jobID string, result Result) error
	CancelJob(ctx context.Context, jobID string) (bool, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Row is one record handed to a RowStore, keyed by column name.
type Row map[string]any

// RowStore appends records to a named table.
type RowStore interface {
	AppendRows(ctx context.Context, table string, rows []Row) error
}

// Publisher pushes notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves a URL honoring the supplied options.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (Document, error)
}

// Renderer loads a URL in a headless browser and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, url string, opts FetchOptions) (Document, error)
}

// HeadlessDetector decides whether a static document needs rendering.
type HeadlessDetector interface {
	ShouldPromote(doc Document) bool
}

// Queue provides enqueue/dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job ids.
type IDGenerator interface {
	NewID() (string, error)
}
