package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/export"
	"github.com/raaihank/piiswap/internal/pii"
	"github.com/raaihank/piiswap/internal/pipeline"
	"github.com/raaihank/piiswap/internal/sanitizer"
	"github.com/raaihank/piiswap/internal/verifier"
)

// SanitizeRequest is the body of POST /v1/pages/{page}/sanitize
type SanitizeRequest struct {
	Text         string           `json:"text"`
	Declarations pii.Declarations `json:"declarations"`
}

// SanitizeResponse carries the plan, the sanitized text and its verification
type SanitizeResponse struct {
	Page          pii.PageID       `json:"page"`
	Plan          *pii.Plan        `json:"plan"`
	SanitizedText string           `json:"sanitized_text"`
	Verification  *verifier.Result `json:"verification"`
}

// RunRequest is the optional body of POST /v1/runs. No pages means every
// page with a declarations file.
type RunRequest struct {
	Pages []pii.PageID `json:"pages"`
}

// ErrorResponse is returned for every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":              "piiswap",
		"version":           Version,
		"store_backend":     s.config.Store.Backend,
		"rate_limit":        s.limiter != nil,
		"websocket_enabled": s.wsHub != nil && s.config.WebSocket.Enabled,
	}
	if s.pool != nil {
		info["pool"] = s.pool.Stats()
	}
	if s.wsHub != nil {
		info["websocket"] = s.wsHub.GetStats()
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSanitize builds the page plan, applies it and verifies the result.
// A failed verification still returns the body, with 422.
func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	page, ok := pageFromRequest(w, r)
	if !ok {
		return
	}

	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}
	var req SanitizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result := pipeline.PageResult{Page: page}
	defer func() {
		result.Duration = time.Since(start)
		if s.wsHub != nil {
			s.wsHub.PageDone("", result)
		}
	}()

	built, err := s.builder.Build(r.Context(), page, req.Declarations)
	if err != nil {
		result.Fail(err)
		log.Warn("Plan build failed",
			zap.String("page", string(page)),
			zap.String("error_kind", pii.Kind(err)),
			zap.Error(err))
		writeError(w, statusFor(err), pii.Kind(err), err.Error())
		return
	}
	result.Entries = built.Plan.Len()
	result.Minted = built.Minted
	result.Reused = built.Reused

	sanitized := sanitizer.Sanitize(req.Text, built.Plan)
	verification := verifier.Verify(sanitized.Text, built.Plan, req.Text)
	result.Replacements = verification.Replacements

	resp := SanitizeResponse{
		Page:          page,
		Plan:          built.Plan,
		SanitizedText: sanitized.Text,
		Verification:  verification,
	}

	if err := verification.Err(); err != nil {
		result.Fail(err)
		log.Error("Sanitized text failed verification",
			zap.String("page", string(page)),
			zap.String("error_kind", pii.Kind(err)),
			zap.Int("findings", len(verification.Findings)))
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	result.Status = pipeline.StatusCertified
	writeJSON(w, http.StatusOK, resp)
}

// handleRun runs the pipeline over the output directory. One run at a time.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	for _, page := range req.Pages {
		if _, ok := page.Number(); !ok {
			writeError(w, http.StatusBadRequest, "invalid_page", fmt.Sprintf("page must look like page_N, got %q", page))
			return
		}
	}

	if !s.runMu.TryLock() {
		writeError(w, http.StatusConflict, "run_in_progress", "a run is already in progress")
		return
	}
	defer s.runMu.Unlock()

	result, err := s.runner.Run(r.Context(), req.Pages)
	if result == nil {
		log.Error("Run could not start", zap.Error(err))
		writeError(w, http.StatusInternalServerError, pii.Kind(err), err.Error())
		return
	}

	log.WithRunID(result.RunID).Info("Run finished",
		zap.Int("total_pages", result.TotalPages),
		zap.Int("certified", result.Certified),
		zap.Int("failed", result.Failed),
		zap.Error(err))

	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "run_interrupted", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	page, ok := pageFromRequest(w, r)
	if !ok {
		return
	}

	master, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to snapshot mapping store", zap.Error(err))
		writeError(w, statusFor(err), pii.Kind(err), "failed to read mapping")
		return
	}

	plan, ok := master.Pages[page]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no plan recorded for %s", page))
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleMapping lists every recorded entry. Originals are fingerprinted
// unless include_originals=true is passed.
func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	includeOriginals, _ := strconv.ParseBool(r.URL.Query().Get("include_originals"))

	master, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to snapshot mapping store", zap.Error(err))
		writeError(w, statusFor(err), pii.Kind(err), "failed to read mapping")
		return
	}

	rows := export.Rows(master, export.Options{IncludeOriginals: includeOriginals})
	if rows == nil {
		rows = []export.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pages":   len(master.Pages),
		"entries": rows,
	})
}

func pageFromRequest(w http.ResponseWriter, r *http.Request) (pii.PageID, bool) {
	page := pii.PageID(mux.Vars(r)["page"])
	if _, ok := page.Number(); !ok {
		writeError(w, http.StatusBadRequest, "invalid_page", fmt.Sprintf("page must look like page_N, got %q", page))
		return "", false
	}
	return page, true
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, pii.ErrInvalidDeclaration):
		return http.StatusBadRequest
	case errors.Is(err, pii.ErrPoolExhausted), errors.Is(err, pii.ErrConsistencyViolation):
		return http.StatusConflict
	case errors.Is(err, pii.ErrIncompleteReplacement), errors.Is(err, pii.ErrUnauthorizedChange):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}
