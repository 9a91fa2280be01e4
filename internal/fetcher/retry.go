package fetcher

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// retryPolicy computes waits between attempts of a single fetch.
type retryPolicy struct {
	strategy  extract.Backoff
	baseDelay time.Duration
	maxDelay  time.Duration
	fixed     time.Duration
}

func newRetryPolicy(cfg Config, opts extract.FetchOptions) retryPolicy {
	p := retryPolicy{
		strategy:  opts.Backoff,
		baseDelay: cfg.BackoffInitial,
		maxDelay:  cfg.BackoffMax,
		fixed:     time.Duration(opts.RetryDelayMs) * time.Millisecond,
	}
	if p.strategy == "" {
		p.strategy = extract.BackoffExponential
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 250 * time.Millisecond
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = 5 * time.Second
	}
	if p.fixed <= 0 {
		p.fixed = p.baseDelay
	}
	return p
}

// Backoff returns the wait before retry number attempt (zero based).
func (p retryPolicy) Backoff(attempt int) time.Duration {
	if p.strategy == extract.BackoffFixed {
		return p.fixed
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// retryableStatus lists the response codes worth another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// pauseController abstracts how the adapter sleeps between requests.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
