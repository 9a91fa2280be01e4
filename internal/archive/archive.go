// Package archive persists completed jobs: the JSON export goes to a blob
// store, mapped values go to a row store, and a notification is published.
// Every step is best effort and never changes the job's status.
package archive

import (
	"bytes"
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/export"
	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/metrics"
)

// Failure stages reported to metrics.
const (
	StageBlob    = "blob"
	StageRows    = "rows"
	StagePublish = "publish"
)

// Config controls archive destinations.
type Config struct {
	// Prefix is prepended to blob paths: <prefix>/<jobId>/results.json.
	Prefix string
	// Topic receives completion notifications.
	Topic string
	// Timeout bounds the whole archive step. Zero means no extra bound.
	Timeout time.Duration
}

// Notification is the message published when a job is archived.
type Notification struct {
	JobID      string            `json:"jobId"`
	Status     extract.JobStatus `json:"status"`
	Targets    int               `json:"targets"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	BlobURI    string            `json:"blobUri,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

// Archiver runs the archive steps. Any collaborator may be nil, which skips
// its step.
type Archiver struct {
	blobs     extract.BlobStore
	rows      extract.RowStore
	publisher extract.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Archiver.
func New(
	blobs extract.BlobStore,
	rows extract.RowStore,
	publisher extract.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		blobs:     blobs,
		rows:      rows,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Archive stores job and announces it.
func (a *Archiver) Archive(ctx context.Context, job extract.Job) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	logger := a.logger.With(zap.String("job_id", job.ID))

	blobURI := a.saveBlob(ctx, job, logger)
	a.appendRows(ctx, job, logger)
	a.notify(ctx, job, blobURI, logger)
}

// BlobPath returns the object path of a job's JSON export.
func (a *Archiver) BlobPath(jobID string) string {
	return path.Join(a.cfg.Prefix, jobID, "results.json")
}

func (a *Archiver) saveBlob(ctx context.Context, job extract.Job, logger *zap.Logger) string {
	if a.blobs == nil {
		return ""
	}
	data, err := export.JSON(job.Results)
	if err != nil {
		a.fail(StageBlob, err, logger)
		return ""
	}
	uri, err := a.blobs.PutObject(ctx, a.BlobPath(job.ID), "application/json", bytes.NewReader(data))
	if err != nil {
		a.fail(StageBlob, err, logger)
		return ""
	}
	logger.Info("job results archived", zap.String("uri", uri))
	return uri
}

func (a *Archiver) appendRows(ctx context.Context, job extract.Job, logger *zap.Logger) {
	if job.Persist == nil {
		return
	}
	if a.rows == nil {
		logger.Warn("job requested persistence but no row store is configured",
			zap.String("table", job.Persist.Table))
		return
	}
	rows := Rows(job)
	if len(rows) == 0 {
		return
	}
	if err := a.rows.AppendRows(ctx, job.Persist.Table, rows); err != nil {
		a.fail(StageRows, err, logger)
		return
	}
	logger.Info("job rows persisted", zap.String("table", job.Persist.Table), zap.Int("rows", len(rows)))
}

func (a *Archiver) notify(ctx context.Context, job extract.Job, blobURI string, logger *zap.Logger) {
	if a.publisher == nil {
		return
	}
	msg := Notification{
		JobID:      job.ID,
		Status:     job.Status,
		Targets:    len(job.Targets),
		BlobURI:    blobURI,
		FinishedAt: job.FinishedAt,
	}
	for _, r := range job.Results {
		if r.Success {
			msg.Succeeded++
		} else {
			msg.Failed++
		}
	}
	id, err := a.publisher.Publish(ctx, a.cfg.Topic, msg)
	if err != nil {
		a.fail(StagePublish, err, logger)
		return
	}
	logger.Debug("job notification published", zap.String("message_id", id))
}

func (a *Archiver) fail(stage string, err error, logger *zap.Logger) {
	metrics.ObserveArchiveFailure(stage)
	logger.Error("archive step failed", zap.String("stage", stage), zap.Error(err))
}

// Rows maps each result to a row keyed by the job's persist columns, plus
// job_id, url, success and fetched_at. List values are joined with
// export.ListDelimiter; null values become SQL NULL.
func Rows(job extract.Job) []extract.Row {
	if job.Persist == nil {
		return nil
	}
	rows := make([]extract.Row, 0, len(job.Results))
	for _, r := range job.Results {
		row := extract.Row{
			"job_id":     job.ID,
			"url":        r.URL,
			"success":    r.Success,
			"fetched_at": r.Timestamp,
		}
		for selectorID, column := range job.Persist.Columns {
			v, ok := r.Data[selectorID]
			if !ok || v.IsNull() {
				row[column] = nil
				continue
			}
			row[column] = v.Flatten(export.ListDelimiter)
		}
		rows = append(rows, row)
	}
	return rows
}
