package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/analysis"
	"github.com/JakeFAU/web-extractor/internal/config"
	"github.com/JakeFAU/web-extractor/internal/dispatcher"
	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/metrics"
	"github.com/JakeFAU/web-extractor/internal/policy/abuse"
	"github.com/JakeFAU/web-extractor/internal/preview"
	"github.com/JakeFAU/web-extractor/internal/progress"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
	readyTimeout    = 2 * time.Second
)

// JobService submits, inspects and cancels jobs.
type JobService interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (extract.Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Evaluator runs one selector against one live page.
type Evaluator interface {
	Evaluate(ctx context.Context, rawURL string, rule extract.SelectorRule, opts extract.FetchOptions) (extract.Value, error)
}

// Previewer renders a sanitized page for embedding.
type Previewer interface {
	Render(ctx context.Context, rawURL string, opts extract.FetchOptions) (preview.Page, error)
}

// JobAnalyzer produces a text report for a completed job.
type JobAnalyzer interface {
	AnalyzeJob(ctx context.Context, job extract.Job) (analysis.Report, error)
}

// EventSource returns the recent progress events of a job.
type EventSource interface {
	Events(jobID string) []progress.Event
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the routes. Only Jobs is required; a
// nil collaborator makes its routes answer 503.
type Deps struct {
	Jobs      JobService
	Evaluator Evaluator
	Previewer Previewer
	Analyzer  JobAnalyzer
	Events    EventSource
	// Guard rate limits fetch-triggering routes per client when set.
	Guard abuse.Guard
	// Identify names the caller for Guard and for job ownership.
	Identify func(*http.Request) string
	Ready    map[string]ReadinessCheck
}

// Server wires HTTP handlers to the job service and its helpers.
type Server struct {
	router    chi.Router
	jobs      JobService
	evaluator Evaluator
	previewer Previewer
	analyzer  JobAnalyzer
	events    EventSource
	identify  func(*http.Request) string
	ready     map[string]ReadinessCheck
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	identify := deps.Identify
	if identify == nil {
		identify = abuse.NewIdentifier(nil, false).ClientID
	}
	s := &Server{
		jobs:      deps.Jobs,
		evaluator: deps.Evaluator,
		previewer: deps.Previewer,
		analyzer:  deps.Analyzer,
		events:    deps.Events,
		identify:  identify,
		ready:     deps.Ready,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	if cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if timeout := cfg.Server.RequestTimeout(); timeout > 0 {
		r.Use(timeoutMiddleware(timeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKeys))
		}
		// Routes that make the service fetch on a caller's behalf.
		r.Group(func(r chi.Router) {
			if deps.Guard != nil {
				r.Use(abuse.Middleware(deps.Guard, identify, logger.Named("abuse")))
			}
			r.Post("/jobs", s.submitJob)
			r.Post("/evaluate", s.evaluate)
			r.Post("/preview", s.preview)
		})
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/cancel", s.cancelJob)
			r.Get("/export", s.exportJob)
			r.Get("/analysis", s.analyzeJob)
			r.Get("/events", s.jobEvents)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(s.ready))
	for name := range s.ready {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := s.ready[name](ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeFailure maps err onto an HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *extract.ValidationError
		exportErr  *extract.ExportError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, extract.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &exportErr), errors.Is(err, analysis.ErrNotCompleted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, extract.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "job queue is full")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into dst, answering 400 or 413 itself
// when it cannot.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := abuse.APIKey(r)
			if presented == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			for _, key := range keys {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "unauthorized")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
