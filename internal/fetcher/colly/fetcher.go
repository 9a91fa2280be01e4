// Package collyfetcher retrieves documents over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/safety"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
	MaxRedirects  int
	// Guard re-checks every redirect hop. Defaults to safety.Default.
	Guard safety.Guard
	// DialControl, when set, vets resolved addresses before connecting.
	DialControl func(network, address string, c syscall.RawConn) error
}

// Fetcher performs a single static HTTP attempt per call. Retries and
// throttling belong to the caller.
type Fetcher struct {
	cfg       Config
	transport *http.Transport

	mu      sync.Mutex
	proxied map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Guard == nil {
		cfg.Guard = safety.Default
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(cfg.DialControl),
		proxied:   make(map[string]*http.Transport),
	}
}

// Fetch executes one request. Non-2xx responses are returned as documents.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts extract.FetchOptions) (extract.Document, error) {
	var (
		doc      extract.Document
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(ctx, rawURL, opts)
	if err != nil {
		return extract.Document{}, err
	}
	f.configureCollectorHooks(collector, opts, start, &doc, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, opts, &fetchErr); err != nil {
		return extract.Document{}, err
	}
	return doc, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, rawURL string, opts extract.FetchOptions) (*colly.Collector, error) {
	options := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	}
	if f.cfg.UserAgent != "" {
		options = append(options, colly.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.MaxBodyBytes > 0 {
		options = append(options, colly.MaxBodySize(f.cfg.MaxBodyBytes))
	}
	collector := colly.NewCollector(options...)

	respectRobots := f.cfg.RespectRobots
	if opts.RespectRobots != nil {
		respectRobots = *opts.RespectRobots
	}
	collector.IgnoreRobotsTxt = !respectRobots

	transport, err := f.transportFor(opts.Proxy)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)

	timeout := f.cfg.Timeout
	if t := opts.TimeoutDuration(); t > 0 {
		timeout = t
	}
	collector.SetRequestTimeout(timeout)
	collector.SetRedirectHandler(safety.RedirectPolicy(f.cfg.Guard, f.cfg.MaxRedirects))

	if len(opts.Cookies) > 0 {
		if err := collector.SetCookies(rawURL, toHTTPCookies(opts.Cookies)); err != nil {
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	opts extract.FetchOptions,
	start time.Time,
	doc *extract.Document,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		applyHeaders(opts.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*doc = extract.Document{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	rawURL string,
	opts extract.FetchOptions,
	fetchErr *error,
) error {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != "" && method != http.MethodGet {
		body = strings.NewReader(opts.Body)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, rawURL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) transportFor(proxy string) (*http.Transport, error) {
	if proxy == "" {
		return f.transport, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.proxied[proxy]; ok {
		return t, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	t := f.transport.Clone()
	t.Proxy = http.ProxyURL(proxyURL)
	f.proxied[proxy] = t
	return t, nil
}

func applyHeaders(headers map[string]string, r *colly.Request) {
	for key, value := range headers {
		r.Headers.Set(key, value)
	}
}

func toHTTPCookies(cookies []extract.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}

func newHTTPTransport(control func(network, address string, c syscall.RawConn) error) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   control,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
