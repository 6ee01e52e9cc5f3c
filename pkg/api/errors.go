package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/cron"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/grafana"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/mail"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// ErrorBody is the payload of every error response
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

var errJobFinished = errors.New("job already finished")

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, mail.ErrNotConfigured):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, model.ErrNotFound), errors.Is(err, grafana.ErrUnknownServer):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, cron.ErrRunning), errors.Is(err, errJobFinished):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &badRequest{err}
	}
	return nil
}

// badRequest marks malformed request bodies
type badRequest struct{ err error }

func (e *badRequest) Error() string { return "invalid request body: " + e.err.Error() }

func (e *badRequest) Unwrap() error { return model.ErrInvalidConfig }
