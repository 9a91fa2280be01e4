// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/safety"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultWaitTimeout       = 5 * time.Second
)

// Config controls the behavior of the renderer.
type Config struct {
	// PoolSize bounds concurrent tabs. Zero means unbounded.
	PoolSize          int
	UserAgent         string
	NavigationTimeout time.Duration
	WaitTimeout       time.Duration
	ExecPath          string
	// Guard vets every request the page makes, including redirects and
	// subresources.
	Guard safety.Guard
	// Resolver, when set, lets the guard classify the addresses a request's
	// host resolves to.
	Resolver safety.Resolver
	Logger   *zap.Logger
}

// interceptPatterns pauses every request regardless of resource type.
var interceptPatterns = []*fetch.RequestPattern{{URLPattern: "*"}}

// Renderer implements extract.Renderer with one shared browser and a leased
// pool of tabs.
type Renderer struct {
	cfg    Config
	leases chan struct{}
	logger *zap.Logger

	allocator   context.Context
	allocCancel context.CancelFunc

	startOnce     sync.Once
	startErr      error
	browser       context.Context
	browserCancel context.CancelFunc
}

// NewChromedp creates a renderer. The browser starts on first use.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool size must be >= 0")
	}
	if cfg.Guard == nil {
		cfg.Guard = safety.Default
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var leases chan struct{}
	if cfg.PoolSize > 0 {
		leases = make(chan struct{}, cfg.PoolSize)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, "")...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Renderer{
		cfg:           cfg,
		leases:        leases,
		logger:        logger.Named("headless"),
		allocator:     allocCtx,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func allocatorOptions(cfg Config, proxy string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.browserCancel()
	r.allocCancel()
}

// Render loads rawURL in a fresh tab, waits as instructed by opts, and returns
// the rendered DOM.
func (r *Renderer) Render(ctx context.Context, rawURL string, opts extract.FetchOptions) (extract.Document, error) {
	if err := r.acquire(ctx); err != nil {
		return extract.Document{}, err
	}
	defer r.release()

	parent, cleanup, err := r.parentFor(opts.Proxy)
	if err != nil {
		return extract.Document{}, err
	}
	defer cleanup()

	tabCtx, tabCancel := chromedp.NewContext(parent)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.navTimeout(opts))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	state := newTabState(rawURL, opts, r.cfg.Guard, r.cfg.Resolver)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			state.meta.capture(e)
		case *page.EventLifecycleEvent:
			state.idle.observe(e.Name)
		case *fetch.EventRequestPaused:
			go r.screen(tabCtx, state, e)
		}
	})

	start := time.Now()
	html, finalURL, err := r.runTab(tabCtx, rawURL, opts, state)
	if blocked := state.rejection(); blocked != nil {
		return extract.Document{}, blocked
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return extract.Document{}, fmt.Errorf("render canceled: %w", ctxErr)
		}
		return extract.Document{}, err
	}

	status, headers, responseURL := state.meta.snapshotWithFallbacks(rawURL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return extract.Document{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

func (r *Renderer) runTab(ctx context.Context, rawURL string, opts extract.FetchOptions, state *tabState) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	setup := []chromedp.Action{
		r.networkSetupAction(rawURL, opts),
		chromedp.Navigate(rawURL),
	}
	if err := chromedp.Run(ctx, setup...); err != nil {
		return "", "", fmt.Errorf("chromedp navigate: %w", err)
	}
	if err := r.wait(ctx, opts, state); err != nil {
		return "", "", err
	}
	capture := []chromedp.Action{
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, capture...); err != nil {
		return "", "", fmt.Errorf("chromedp capture: %w", err)
	}
	return html, finalURL, nil
}

// wait applies the requested readiness condition. An expired wait is not an
// error: the DOM is captured as it stands.
func (r *Renderer) wait(ctx context.Context, opts extract.FetchOptions, state *tabState) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.waitTimeout(opts))
	defer cancel()

	var err error
	switch {
	case opts.WaitForSelector != "":
		err = chromedp.Run(waitCtx, chromedp.WaitVisible(opts.WaitForSelector, chromedp.ByQuery))
	case opts.WaitForNetworkIdle:
		select {
		case <-state.idle.done:
		case <-waitCtx.Done():
			err = waitCtx.Err()
		}
	default:
		err = chromedp.Run(waitCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("chromedp wait: %w", ctx.Err())
	}
	r.logger.Debug("render wait expired",
		zap.String("selector", opts.WaitForSelector),
		zap.Bool("network_idle", opts.WaitForNetworkIdle),
		zap.Error(err),
	)
	return nil
}

func (r *Renderer) networkSetupAction(rawURL string, opts extract.FetchOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if err := fetch.Enable().WithPatterns(interceptPatterns).Do(ctx); err != nil {
			return fmt.Errorf("enable request interception: %w", err)
		}
		userAgent, headers := splitUserAgent(opts.Headers, r.cfg.UserAgent)
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		for _, c := range opts.Cookies {
			params := network.SetCookie(c.Name, c.Value)
			if c.Domain != "" {
				params = params.WithDomain(c.Domain)
				if c.Path != "" {
					params = params.WithPath(c.Path)
				}
			} else {
				params = params.WithURL(rawURL)
			}
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// screen continues or fails a paused request. It runs outside the event loop
// because it issues CDP commands.
func (r *Renderer) screen(tabCtx context.Context, state *tabState, ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil || ev.Request == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)

	// The main frame of a page target shares the target's id.
	topLevel := ev.ResourceType == network.ResourceTypeDocument &&
		string(ev.FrameID) == string(c.Target.TargetID)
	if err := state.admit(tabCtx, ev.Request.URL, topLevel); err != nil {
		r.logger.Debug("request blocked",
			zap.String("url", ev.Request.URL),
			zap.String("resource_type", ev.ResourceType.String()),
			zap.Bool("top_level", topLevel),
		)
		if failErr := fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); failErr != nil {
			r.logger.Debug("fail request", zap.String("url", ev.Request.URL), zap.Error(failErr))
		}
		return
	}

	params := fetch.ContinueRequest(ev.RequestID)
	if topLevel {
		if method, body, ok := state.firstRequestOverride(ev.Request.URL); ok {
			params = params.WithMethod(method)
			if body != "" {
				params = params.WithPostData(base64.StdEncoding.EncodeToString([]byte(body)))
			}
		}
	}
	if err := params.Do(execCtx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("continue request", zap.String("url", ev.Request.URL), zap.Error(err))
	}
}

// parentFor returns the browser context to open a tab in. A proxy requires a
// dedicated browser process.
func (r *Renderer) parentFor(proxy string) (context.Context, func(), error) {
	if proxy == "" {
		r.startOnce.Do(func() {
			r.startErr = chromedp.Run(r.browser)
		})
		if r.startErr != nil {
			return nil, nil, fmt.Errorf("start browser: %w", r.startErr)
		}
		return r.browser, func() {}, nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(r.cfg, proxy)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return browserCtx, func() {
		browserCancel()
		allocCancel()
	}, nil
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.leases == nil {
		return nil
	}
	select {
	case r.leases <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless lease wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.leases == nil {
		return
	}
	select {
	case <-r.leases:
	default:
	}
}

func (r *Renderer) navTimeout(opts extract.FetchOptions) time.Duration {
	if t := opts.TimeoutDuration(); t > 0 {
		return t
	}
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (r *Renderer) waitTimeout(opts extract.FetchOptions) time.Duration {
	if t := opts.WaitTimeoutDuration(); t > 0 {
		return t
	}
	if r.cfg.WaitTimeout > 0 {
		return r.cfg.WaitTimeout
	}
	return defaultWaitTimeout
}

// tabState is shared between the event listener and the render call.
type tabState struct {
	meta     *responseMeta
	idle     *idleWatcher
	guard    safety.Guard
	resolver safety.Resolver

	mu         sync.Mutex
	blocked    error
	target     string
	method     string
	body       string
	overridden bool
}

func newTabState(rawURL string, opts extract.FetchOptions, guard safety.Guard, resolver safety.Resolver) *tabState {
	if guard == nil {
		guard = safety.Default
	}
	return &tabState{
		meta:     newResponseMeta(),
		idle:     newIdleWatcher(),
		guard:    guard,
		resolver: resolver,
		target:   rawURL,
		method:   strings.ToUpper(opts.Method),
		body:     opts.Body,
	}
}

// admit vets one request. Only a rejected top-level document fails the
// render; blocked subresources and subframes are refused and the page
// carries on without them.
func (s *tabState) admit(ctx context.Context, requestURL string, topLevel bool) error {
	err := safety.CheckResolved(ctx, s.guard, s.resolver, requestURL)
	if err != nil && topLevel {
		s.block(err)
	}
	return err
}

func (s *tabState) block(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked == nil {
		s.blocked = err
	}
}

func (s *tabState) rejection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// firstRequestOverride returns the method and body to apply to the initial
// navigation request when the caller asked for something other than GET.
func (s *tabState) firstRequestOverride(requestURL string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overridden || s.method == "" || s.method == http.MethodGet {
		return "", "", false
	}
	if strings.TrimSuffix(requestURL, "/") != strings.TrimSuffix(s.target, "/") {
		return "", "", false
	}
	s.overridden = true
	return s.method, s.body, true
}

// idleWatcher closes done on the first networkIdle lifecycle event that
// follows a navigation start.
type idleWatcher struct {
	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{done: make(chan struct{})}
}

func (w *idleWatcher) observe(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch name {
	case "init":
		w.started = true
	case "networkIdle":
		if w.started && !w.closed {
			w.closed = true
			close(w.done)
		}
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				headers.Add(key, line)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the top-level document counts; iframes arrive later.
	if m.status != 0 && m.url != "" {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

// splitUserAgent separates a caller supplied User-Agent from the remaining
// headers, since Chrome sets it through emulation rather than extra headers.
func splitUserAgent(headers map[string]string, fallback string) (string, map[string]string) {
	userAgent := fallback
	rest := make(map[string]string, len(headers))
	for key, value := range headers {
		if strings.EqualFold(key, "User-Agent") {
			userAgent = value
			continue
		}
		rest[key] = value
	}
	return userAgent, rest
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := make(network.Headers, len(h))
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
