package extract

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job id is reused.
	ErrJobExists = errors.New("job already exists")
	// ErrJobFinished is returned when mutating a job in a terminal state.
	ErrJobFinished = errors.New("job already finished")
	// ErrRendererUnavailable is returned when JavaScript rendering is requested
	// but no renderer is configured.
	ErrRendererUnavailable = errors.New("headless renderer not configured")
	// ErrQueueFull is returned when the job queue has no free capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned once the job queue stops accepting work.
	ErrQueueClosed = errors.New("queue closed")
)

// ValidationError reports a malformed submission.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// RejectReason explains why the safety gate refused a URL.
type RejectReason string

// Reasons produced by the safety gate.
const (
	ReasonInvalidURL       RejectReason = "invalid_url"
	ReasonScheme           RejectReason = "unsupported_scheme"
	ReasonLocalhost        RejectReason = "localhost"
	ReasonLocalDomain      RejectReason = "local_domain"
	ReasonLoopback         RejectReason = "loopback"
	ReasonPrivate          RejectReason = "private_network"
	ReasonLinkLocal        RejectReason = "link_local"
	ReasonUnspecified      RejectReason = "unspecified_address"
	ReasonMulticast        RejectReason = "multicast"
	ReasonTooManyRedirects RejectReason = "too_many_redirects"
)

// LocalNetwork reports whether the reason refers to a local or private
// network destination.
func (r RejectReason) LocalNetwork() bool {
	switch r {
	case ReasonLocalhost, ReasonLocalDomain, ReasonLoopback, ReasonPrivate,
		ReasonLinkLocal, ReasonUnspecified, ReasonMulticast:
		return true
	default:
		return false
	}
}

// SafetyRejection is returned when a URL may not be fetched.
type SafetyRejection struct {
	URL    string
	Reason RejectReason
}

func (e *SafetyRejection) Error() string {
	if e.Reason.LocalNetwork() {
		return "local network forbidden"
	}
	return "url forbidden: " + string(e.Reason)
}

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout        FetchErrorKind = "timeout"
	FetchNetworkFailure FetchErrorKind = "network_failure"
	FetchNonRetryable   FetchErrorKind = "non_retryable"
)

// FetchError wraps a failed retrieval.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchTimeout:
		return fmt.Sprintf("fetch timed out: %s: %v", e.URL, e.Err)
	case FetchNetworkFailure:
		return fmt.Sprintf("network failure: %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch failed: %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchTimeout || e.Kind == FetchNetworkFailure
}

// FetchErrorKindOf extracts the kind of a wrapped FetchError.
func FetchErrorKindOf(err error) (FetchErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// EvalError reports a selector that could not be evaluated.
type EvalError struct {
	SelectorID string
	Err        error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("selector %q: %v", e.SelectorID, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// OrchestratorFault is an internal failure that fails the whole job.
type OrchestratorFault struct {
	JobID string
	Err   error
}

func (e *OrchestratorFault) Error() string {
	return fmt.Sprintf("job %s: orchestrator fault: %v", e.JobID, e.Err)
}

func (e *OrchestratorFault) Unwrap() error { return e.Err }

// ExportError reports a job that cannot be exported.
type ExportError struct {
	JobID  string
	Format string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export job %s as %s: %v", e.JobID, e.Format, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// ErrorKind labels err for Result.ErrorKind.
func ErrorKind(err error) string {
	var rejection *SafetyRejection
	if errors.As(err, &rejection) {
		return "safety_rejection"
	}
	if kind, ok := FetchErrorKindOf(err); ok {
		return string(kind)
	}
	return "internal"
}
