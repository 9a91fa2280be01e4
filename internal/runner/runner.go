// Package runner turns one target into one Result: gate, fetch, evaluate and
// optionally follow pagination.
package runner

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/metrics"
	"github.com/JakeFAU/web-extractor/internal/progress"
	"github.com/JakeFAU/web-extractor/internal/safety"
	"github.com/JakeFAU/web-extractor/internal/selector"
)

const defaultMaxPages = 10

// Config controls runner defaults.
type Config struct {
	// MaxPages caps pagination when a target does not set maxPages.
	MaxPages int
}

// Runner executes targets. It is safe for concurrent use.
type Runner struct {
	fetcher  extract.Fetcher
	guard    safety.Guard
	clock    extract.Clock
	progress progress.Emitter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner. A nil guard means safety.Default and a nil emitter
// discards progress.
func New(
	fetcher extract.Fetcher,
	guard safety.Guard,
	clock extract.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if guard == nil {
		guard = safety.Default
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Runner{
		fetcher:  fetcher,
		guard:    guard,
		clock:    clock,
		progress: emitter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run produces the Result for target. Failures are reported inside the
// Result; Run itself never fails. stop is polled before every page after the
// first and may be nil.
func (r *Runner) Run(ctx context.Context, jobID string, index int, target extract.Target, stop func() bool) extract.Result {
	result := extract.Result{
		Index:     index,
		URL:       target.URL,
		Timestamp: r.clock.Now().UTC(),
		Data:      map[string]extract.Value{},
	}
	logger := r.logger.With(zap.String("job_id", jobID), zap.Int("target", index), zap.String("url", target.URL))

	if err := r.guard.Check(target.URL); err != nil {
		var rejection *extract.SafetyRejection
		if errors.As(err, &rejection) {
			metrics.ObserveSafetyRejection(string(rejection.Reason))
		}
		logger.Info("target rejected", zap.Error(err))
		return fail(result, err)
	}

	first, err := r.fetchPage(ctx, jobID, index, 1, target.URL, target.Options)
	if err != nil {
		logger.Warn("target fetch failed", zap.Error(err))
		return fail(result, err)
	}

	doc, err := selector.Parse(first.Body)
	if err != nil {
		logger.Warn("parse document failed", zap.Error(err))
		return fail(result, err)
	}

	result.Success = true
	result.Data = r.evaluate(doc, target.Selectors, logger)
	result.Metadata = extract.Metadata{
		StatusCode:     first.StatusCode,
		ResponseTimeMs: first.Duration.Milliseconds(),
		PageTitle:      selector.Title(doc),
		Pages:          1,
		Rendered:       first.Rendered,
	}

	if target.Options.PaginationEnabled() {
		r.paginate(ctx, jobID, index, target, first.URL, doc, &result, stop, logger)
	}
	return result
}

func (r *Runner) paginate(
	ctx context.Context,
	jobID string,
	index int,
	target extract.Target,
	currentURL string,
	doc *goquery.Document,
	result *extract.Result,
	stop func() bool,
	logger *zap.Logger,
) {
	maxPages := target.Options.Pagination.MaxPages
	if maxPages <= 0 {
		maxPages = r.cfg.MaxPages
	}
	if currentURL == "" {
		currentURL = target.URL
	}
	visited := map[string]struct{}{target.URL: {}, currentURL: {}}
	nextSelector := target.Options.Pagination.NextPageSelector

	for page := 2; page <= maxPages; page++ {
		if ctx.Err() != nil || (stop != nil && stop()) {
			return
		}
		nextURL, ok := nextLink(doc, nextSelector, currentURL)
		if !ok {
			return
		}
		if _, seen := visited[nextURL]; seen {
			return
		}
		visited[nextURL] = struct{}{}
		if err := r.guard.Check(nextURL); err != nil {
			logger.Info("pagination stopped by safety gate", zap.String("next", nextURL), zap.Error(err))
			return
		}

		fetched, err := r.fetchPage(ctx, jobID, index, page, nextURL, target.Options)
		if err != nil {
			logger.Warn("pagination fetch failed", zap.Int("page", page), zap.Error(err))
			return
		}
		next, err := selector.Parse(fetched.Body)
		if err != nil {
			logger.Warn("pagination parse failed", zap.Int("page", page), zap.Error(err))
			return
		}

		merge(result.Data, r.evaluate(next, target.Selectors, logger), target.Selectors)
		result.Metadata.Pages = page
		result.Metadata.ResponseTimeMs += fetched.Duration.Milliseconds()

		doc = next
		currentURL = nextURL
		if fetched.URL != "" {
			currentURL = fetched.URL
		}
	}
}

func (r *Runner) fetchPage(
	ctx context.Context,
	jobID string,
	index, page int,
	rawURL string,
	opts extract.FetchOptions,
) (extract.Document, error) {
	start := time.Now()
	doc, err := r.fetcher.Fetch(ctx, rawURL, opts)
	elapsed := time.Since(start)
	if doc.Duration <= 0 {
		doc.Duration = elapsed
	}

	site := metrics.SanitizeSite(rawURL)
	metrics.ObserveTarget(site, err == nil, len(doc.Body))
	evt := progress.Event{
		JobID:       jobID,
		TS:          r.clock.Now().UTC(),
		Stage:       progress.StageFetchDone,
		Target:      index,
		Site:        site,
		URL:         rawURL,
		Page:        page,
		Bytes:       int64(len(doc.Body)),
		StatusClass: progress.ClassifyStatus(doc.StatusCode),
		Dur:         elapsed,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	r.progress.Emit(evt)
	return doc, err
}

func (r *Runner) evaluate(doc *goquery.Document, rules []extract.SelectorRule, logger *zap.Logger) map[string]extract.Value {
	data, errs := selector.EvaluateAll(doc, rules)
	for _, err := range errs {
		metrics.ObserveEvalError()
		logger.Warn("selector evaluation failed", zap.Error(err))
	}
	return data
}

// merge folds a later page into data. List fields concatenate in page order;
// every other kind keeps the first page's value.
func merge(data, page map[string]extract.Value, rules []extract.SelectorRule) {
	for _, rule := range rules {
		if rule.Kind != extract.KindList {
			continue
		}
		current := data[rule.ID]
		if current.IsNull() {
			data[rule.ID] = page[rule.ID]
			continue
		}
		data[rule.ID] = current.Append(page[rule.ID])
	}
}

func nextLink(doc *goquery.Document, path, base string) (string, bool) {
	href, ok, err := selector.Link(doc, path)
	if err != nil || !ok {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	next := baseURL.ResolveReference(ref)
	next.Fragment = ""
	return next.String(), true
}

func fail(result extract.Result, err error) extract.Result {
	result.Success = false
	result.Error = err.Error()
	result.ErrorKind = extract.ErrorKind(err)
	result.Data = map[string]extract.Value{}
	return result
}

// Evaluate fetches rawURL once and evaluates a single rule against it. It
// backs the selector authoring endpoint: no pagination and no progress
// events. Safety, fetch and evaluation failures are returned as errors.
func (r *Runner) Evaluate(
	ctx context.Context,
	rawURL string,
	rule extract.SelectorRule,
	opts extract.FetchOptions,
) (extract.Value, error) {
	if err := r.guard.Check(rawURL); err != nil {
		var rejection *extract.SafetyRejection
		if errors.As(err, &rejection) {
			metrics.ObserveSafetyRejection(string(rejection.Reason))
		}
		return extract.Null(), err
	}
	doc, err := r.fetcher.Fetch(ctx, rawURL, opts)
	metrics.ObserveTarget(metrics.SanitizeSite(rawURL), err == nil, len(doc.Body))
	if err != nil {
		return extract.Null(), err
	}
	parsed, err := selector.Parse(doc.Body)
	if err != nil {
		return extract.Null(), err
	}
	value, err := selector.Evaluate(parsed, rule)
	if err != nil {
		metrics.ObserveEvalError()
		return extract.Null(), err
	}
	return value, nil
}
