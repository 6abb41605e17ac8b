// Package handlers provides the HTTP handlers of the LIS API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/api/middleware"
	"github.com/biolis/go-lis/internal/apperr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	BlockingCount int64  `json:"blocking_count,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

// StatusFor maps an application error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrBlocked), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err. Unknown errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := StatusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var blocked *apperr.BlockedError
	switch {
	case errors.As(err, &blocked):
		resp = ErrorResponse{Error: blocked.Reason, BlockingCount: blocked.Count}
	case code == http.StatusUnauthorized:
		resp.Error = apperr.ErrInvalidCredentials.Error()
	case code == http.StatusServiceUnavailable:
		resp.Error = apperr.ErrStorageUnavailable.Error()
	case code == http.StatusInternalServerError:
		resp.Error = "internal server error"
	}

	if code >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, resp)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("request body: %v", err)
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid("%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, apperr.Invalid("%s must be an integer, got %q", name, raw)
	}
	return n, true, nil
}
