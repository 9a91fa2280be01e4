package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/preview"
)

type evaluateRequest struct {
	URL      string               `json:"url"`
	Selector extract.SelectorRule `json:"selector"`
	Options  extract.FetchOptions `json:"options"`
}

type evaluateResponse struct {
	Success   bool           `json:"success"`
	Value     *extract.Value `json:"value,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"errorKind,omitempty"`
}

type previewRequest struct {
	URL     string               `json:"url"`
	Options extract.FetchOptions `json:"options"`
}

// evaluate handles POST /v1/evaluate. Malformed requests are 400s; anything
// that goes wrong fetching or evaluating is reported in the body.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	if s.evaluator == nil {
		writeError(w, http.StatusServiceUnavailable, "selector evaluation unavailable")
		return
	}
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Selector.ID) == "" {
		req.Selector.ID = "selector"
	}
	if req.Selector.Kind == "" {
		req.Selector.Kind = extract.KindText
	}
	target := extract.Target{URL: req.URL, Selectors: []extract.SelectorRule{req.Selector}, Options: req.Options}
	if err := target.Validate(); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	value, err := s.evaluator.Evaluate(r.Context(), req.URL, req.Selector, req.Options)
	if err != nil {
		s.logger.Info("evaluate failed", zap.String("url", req.URL), zap.Error(err))
		writeJSON(w, http.StatusOK, evaluateResponse{Error: err.Error(), ErrorKind: errorKind(err)})
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Success: true, Value: &value})
}

// preview handles POST /v1/preview with a sanitized copy of the page that is
// safe to load in a sandboxed iframe.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	if s.previewer == nil {
		writeError(w, http.StatusServiceUnavailable, "preview unavailable")
		return
	}
	var req previewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url: is required")
		return
	}
	if err := req.Options.Validate(); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	page, err := s.previewer.Render(r.Context(), req.URL, req.Options)
	if err != nil {
		var rejection *extract.SafetyRejection
		if errors.As(err, &rejection) {
			writeError(w, http.StatusBadRequest, rejection.Error())
			return
		}
		s.logger.Info("preview failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	preview.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(page.HTML); err != nil {
		s.logger.Warn("write preview failed", zap.String("url", req.URL), zap.Error(err))
	}
}

func errorKind(err error) string {
	var evalErr *extract.EvalError
	if errors.As(err, &evalErr) {
		return "eval_error"
	}
	return extract.ErrorKind(err)
}
