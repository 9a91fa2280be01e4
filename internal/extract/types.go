package extract

import (
	"net/http"
	"time"
)

// Kind selects how a SelectorRule turns matched elements into a Value.
type Kind string

// Selector kinds accepted on the wire.
const (
	KindText      Kind = "text"
	KindHTML      Kind = "html"
	KindAttribute Kind = "attribute"
	KindList      Kind = "list"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindHTML, KindAttribute, KindList:
		return true
	default:
		return false
	}
}

// SelectorRule names one value to extract from a document.
type SelectorRule struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Path          string `json:"path"`
	Kind          Kind   `json:"kind"`
	AttributeName string `json:"attributeName,omitempty"`
	ListItemPath  string `json:"listItemPath,omitempty"`
}

// Backoff names the retry delay strategy.
type Backoff string

// Backoff strategies.
const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// Cookie is sent with every request for a target.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Pagination controls following "next page" links.
type Pagination struct {
	Enabled          bool   `json:"enabled"`
	NextPageSelector string `json:"nextPageSelector,omitempty"`
	MaxPages         int    `json:"maxPages,omitempty"`
}

// FetchOptions tune how a single target is retrieved. Durations are expressed
// in milliseconds on the wire.
type FetchOptions struct {
	Method             string            `json:"method,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               string            `json:"body,omitempty"`
	Timeout            int               `json:"timeout,omitempty"`
	WaitForSelector    string            `json:"waitForSelector,omitempty"`
	WaitTimeout        int               `json:"waitTimeout,omitempty"`
	WaitForNetworkIdle bool              `json:"waitForNetworkIdle,omitempty"`
	EnableJavaScript   *bool             `json:"enableJavaScript,omitempty"`
	Proxy              string            `json:"proxy,omitempty"`
	Cookies            []Cookie          `json:"cookies,omitempty"`
	Pagination         *Pagination       `json:"pagination,omitempty"`
	MaxRetries         *int              `json:"maxRetries,omitempty"`
	Backoff            Backoff           `json:"backoff,omitempty"`
	RetryDelayMs       int               `json:"retryDelayMs,omitempty"`
	ThrottleMs         int               `json:"throttleMs,omitempty"`
	RespectRobots      *bool             `json:"respectRobots,omitempty"`
}

// TimeoutDuration returns the per-attempt timeout.
func (o FetchOptions) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Millisecond
}

// WaitTimeoutDuration returns the render wait bound.
func (o FetchOptions) WaitTimeoutDuration() time.Duration {
	return time.Duration(o.WaitTimeout) * time.Millisecond
}

// PaginationEnabled reports whether next-page links should be followed.
func (o FetchOptions) PaginationEnabled() bool {
	return o.Pagination != nil && o.Pagination.Enabled && o.Pagination.NextPageSelector != ""
}

// Target is one URL plus the selectors to evaluate against it.
type Target struct {
	URL       string         `json:"url"`
	Selectors []SelectorRule `json:"selectors"`
	Options   FetchOptions   `json:"options,omitempty"`
}

// Metadata describes how a result was obtained.
type Metadata struct {
	StatusCode     int    `json:"statusCode,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs,omitempty"`
	PageTitle      string `json:"pageTitle,omitempty"`
	Pages          int    `json:"pages,omitempty"`
	Rendered       bool   `json:"rendered,omitempty"`
}

// Result is the outcome of running one target.
type Result struct {
	Index     int              `json:"index"`
	URL       string           `json:"url"`
	Timestamp time.Time        `json:"timestamp"`
	Success   bool             `json:"success"`
	Data      map[string]Value `json:"data"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"errorKind,omitempty"`
	Metadata  Metadata         `json:"metadata"`
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values. Completed, Failed and Cancelled are terminal.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// PersistSpec asks for a job's results to be appended to a database table,
// mapping selector ids to column names.
type PersistSpec struct {
	Table   string            `json:"table"`
	Columns map[string]string `json:"columns"`
}

// Job is a submitted batch of targets and the results gathered so far.
type Job struct {
	ID         string       `json:"id"`
	ClientID   string       `json:"clientId,omitempty"`
	Targets    []Target     `json:"targets"`
	Status     JobStatus    `json:"status"`
	Results    []Result     `json:"results"`
	CreatedAt  time.Time    `json:"createdAt"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	Error      string       `json:"error,omitempty"`
	Persist    *PersistSpec `json:"persist,omitempty"`
}

// Document is a fetched or rendered page.
type Document struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Submitted int64
}
