// Package fetcher selects a retrieval strategy per target and applies the
// retry, throttle and politeness rules around it.
package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/metrics"
	"github.com/JakeFAU/web-extractor/internal/safety"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultWaitTimeout = 5 * time.Second
)

// Config controls adapter defaults. Per-target options take precedence.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	WaitTimeout    time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// AutoPromote renders a target whose static fetch looks like an SPA shell
	// when the target leaves enableJavaScript unset.
	AutoPromote bool
}

// HostWaiter paces requests to the same host.
type HostWaiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Adapter implements extract.Fetcher on top of a static fetcher and an
// optional renderer.
type Adapter struct {
	cfg      Config
	static   extract.Fetcher
	renderer extract.Renderer
	detector extract.HeadlessDetector
	guard    safety.Guard
	waiter   HostWaiter
	pause    pauseController
	logger   *zap.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithRenderer enables the JavaScript strategy.
func WithRenderer(r extract.Renderer) Option {
	return func(a *Adapter) { a.renderer = r }
}

// WithDetector sets the heuristic used for automatic promotion.
func WithDetector(d extract.HeadlessDetector) Option {
	return func(a *Adapter) { a.detector = d }
}

// WithGuard overrides the URL safety guard.
func WithGuard(g safety.Guard) Option {
	return func(a *Adapter) { a.guard = g }
}

// WithHostWaiter installs per-host politeness pacing.
func WithHostWaiter(w HostWaiter) Option {
	return func(a *Adapter) { a.waiter = w }
}

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds an Adapter around the static fetcher.
func New(cfg Config, static extract.Fetcher, opts ...Option) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	a := &Adapter{
		cfg:    cfg,
		static: static,
		guard:  safety.Default,
		pause:  timerPauseController{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fetch retrieves rawURL. Non-2xx responses are returned as documents; only
// transport level failures and rejections are errors.
func (a *Adapter) Fetch(ctx context.Context, rawURL string, opts extract.FetchOptions) (extract.Document, error) {
	opts = a.applyDefaults(opts)
	if err := a.guard.Check(rawURL); err != nil {
		return extract.Document{}, err
	}

	a.pause.Pause(ctx, time.Duration(opts.ThrottleMs)*time.Millisecond)
	if a.waiter != nil {
		if err := a.waiter.Wait(ctx, rawURL); err != nil {
			return extract.Document{}, classify(rawURL, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return extract.Document{}, classify(rawURL, err)
	}

	retries := a.cfg.MaxRetries
	if opts.MaxRetries != nil {
		retries = *opts.MaxRetries
	}
	policy := newRetryPolicy(a.cfg, opts)

	var (
		doc     extract.Document
		lastErr error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			metrics.ObserveFetchRetry()
			delay := policy.Backoff(attempt - 1)
			a.logger.Debug("retrying fetch",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
			)
			a.pause.Pause(ctx, delay)
			if ctx.Err() != nil {
				break
			}
		}

		doc, lastErr = a.attempt(ctx, rawURL, opts)
		if lastErr == nil {
			if !retryableStatus(doc.StatusCode) {
				return doc, nil
			}
			continue
		}
		if !shouldRetry(lastErr) || ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return extract.Document{}, lastErr
	}
	// Retries exhausted on a retryable status; the caller decides.
	return doc, nil
}

func (a *Adapter) applyDefaults(opts extract.FetchOptions) extract.FetchOptions {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	opts.Method = strings.ToUpper(opts.Method)
	if opts.Timeout <= 0 {
		opts.Timeout = int(a.cfg.Timeout / time.Millisecond)
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = int(a.cfg.WaitTimeout / time.Millisecond)
	}
	if opts.Backoff == "" {
		opts.Backoff = extract.BackoffExponential
	}
	if a.cfg.UserAgent != "" && !hasHeader(opts.Headers, "User-Agent") {
		headers := make(map[string]string, len(opts.Headers)+1)
		for k, v := range opts.Headers {
			headers[k] = v
		}
		headers["User-Agent"] = a.cfg.UserAgent
		opts.Headers = headers
	}
	return opts
}

func (a *Adapter) attempt(ctx context.Context, rawURL string, opts extract.FetchOptions) (extract.Document, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.TimeoutDuration())
	defer cancel()

	if opts.EnableJavaScript != nil && *opts.EnableJavaScript {
		return a.render(attemptCtx, rawURL, opts)
	}

	doc, err := a.static.Fetch(attemptCtx, rawURL, opts)
	if err != nil {
		return extract.Document{}, classify(rawURL, err)
	}
	if opts.EnableJavaScript != nil || !a.cfg.AutoPromote || a.detector == nil || a.renderer == nil {
		return doc, nil
	}
	if !a.detector.ShouldPromote(doc) {
		return doc, nil
	}

	rendered, err := a.render(attemptCtx, rawURL, opts)
	if err != nil {
		var rejection *extract.SafetyRejection
		if errors.As(err, &rejection) {
			return extract.Document{}, err
		}
		a.logger.Warn("headless promotion failed", zap.String("url", rawURL), zap.Error(err))
		return doc, nil
	}
	a.logger.Debug("headless promotion applied", zap.String("url", rawURL))
	return rendered, nil
}

func (a *Adapter) render(ctx context.Context, rawURL string, opts extract.FetchOptions) (extract.Document, error) {
	if a.renderer == nil {
		return extract.Document{}, classify(rawURL, extract.ErrRendererUnavailable)
	}
	doc, err := a.renderer.Render(ctx, rawURL, opts)
	if err != nil {
		return extract.Document{}, classify(rawURL, err)
	}
	return doc, nil
}

// classify maps an arbitrary fetch failure onto the FetchError taxonomy.
// Safety rejections and already classified errors pass through.
func classify(rawURL string, err error) error {
	var rejection *extract.SafetyRejection
	if errors.As(err, &rejection) {
		return err
	}
	var fetchErr *extract.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}

	kind := extract.FetchNetworkFailure
	var netErr net.Error
	switch {
	case errors.Is(err, extract.ErrRendererUnavailable), errors.Is(err, context.Canceled):
		kind = extract.FetchNonRetryable
	case errors.Is(err, context.DeadlineExceeded):
		kind = extract.FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = extract.FetchTimeout
	}
	return &extract.FetchError{Kind: kind, URL: rawURL, Err: err}
}

func shouldRetry(err error) bool {
	var fetchErr *extract.FetchError
	if !errors.As(err, &fetchErr) {
		return false
	}
	return fetchErr.Retryable()
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
