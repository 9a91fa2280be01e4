package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/dispatcher"
	"github.com/JakeFAU/web-extractor/internal/export"
	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/progress"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// submitRequest accepts either explicit targets or the shorthand form where
// every URL shares one set of selectors and options. Both may be combined;
// explicit targets come first.
type submitRequest struct {
	Targets   []extract.Target       `json:"targets"`
	Persist   *extract.PersistSpec   `json:"persist,omitempty"`
	URLs      []string               `json:"urls,omitempty"`
	Selectors []extract.SelectorRule `json:"selectors,omitempty"`
	Options   extract.FetchOptions   `json:"options"`
}

func (req submitRequest) targets() []extract.Target {
	out := make([]extract.Target, 0, len(req.Targets)+len(req.URLs))
	out = append(out, req.Targets...)
	for _, u := range req.URLs {
		out = append(out, extract.Target{URL: u, Selectors: req.Selectors, Options: req.Options})
	}
	return out
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := s.jobs.Submit(r.Context(), dispatcher.SubmitRequest{
		Targets:  req.targets(),
		ClientID: s.identify(r),
		Persist:  req.Persist,
	})
	if err != nil {
		if jobID != "" && errors.Is(err, extract.ErrQueueFull) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "job queue is full",
				"jobId": jobID,
			})
			return
		}
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// exportJob handles GET /v1/jobs/{job_id}/export?format=json|csv|excel and
// answers with a file download.
func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	artifact, err := export.Export(job, format)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(artifact.Data); err != nil {
		s.logger.Warn("write export failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) analyzeJob(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "text analysis unavailable")
		return
	}
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	report, err := s.analyzer.AnalyzeJob(r.Context(), job)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// jobEvents handles GET /v1/jobs/{job_id}/events?limit=. It returns the most
// recent progress events of a known job, oldest first.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "progress timeline unavailable")
		return
	}
	limit, err := parseLimit(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.jobs.Status(r.Context(), jobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	events := s.events.Events(jobID)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
