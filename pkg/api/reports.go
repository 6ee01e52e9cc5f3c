package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/progress"
)

// StartRequest starts an ad-hoc report from a stored or an inline layout
type StartRequest struct {
	LayoutID string        `json:"layoutId,omitempty"`
	Layout   *model.Layout `json:"layout,omitempty"`
}

// ProgressEvent is one progress sample as sent to clients
type ProgressEvent struct {
	JobID      string `json:"jobId"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

func eventFor(id string, job progress.Job, found bool) ProgressEvent {
	ev := ProgressEvent{JobID: id, Percentage: job.Percentage, Message: job.Message}
	switch {
	case !found:
		ev.Status = "initializing"
		ev.Message = "Waiting for report generation to start"
	case job.Cancelled:
		ev.Status = "cancelled"
	case job.Error != "":
		ev.Status = "error"
		ev.Error = job.Error
	case job.Percentage >= 100:
		ev.Status = "completed"
	default:
		ev.Status = "in_progress"
	}
	return ev
}

func (h *Handler) startReport(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		jobID string
		err   error
	)
	switch {
	case req.Layout != nil:
		jobID, err = h.Reports.Start(req.Layout)
	case req.LayoutID != "":
		jobID, err = h.Reports.StartLayout(req.LayoutID)
	default:
		err = fmt.Errorf("%w: layoutId or layout is required", model.ErrInvalidConfig)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *Handler) reportProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, found := h.Progress.Get(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"event":   eventFor(id, job, found),
		"history": job.History,
	})
}

// reportEvents streams progress as server-sent events until the job is
// terminal or the client goes away
func (h *Handler) reportEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "jobID")
	h.Progress.Ensure(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var last ProgressEvent
	sent := false
	for {
		job, found := h.Progress.Get(id)
		ev := eventFor(id, job, found)
		if !sent || ev != last {
			data, _ := json.Marshal(ev)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			last, sent = ev, true
		}
		if found && job.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			h.logger.Debug("progress stream closed by client", zap.String("job_id", id))
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) downloadReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	data, ok := h.Progress.Artifact(id)
	if !ok {
		h.fail(w, r, fmt.Errorf("report %s: %w", id, model.ErrNotFound))
		return
	}
	writePDF(w, fmt.Sprintf("report-%s.pdf", id), data)
}

func (h *Handler) cancelReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, found := h.Progress.Get(id); !found {
		h.fail(w, r, fmt.Errorf("job %s: %w", id, model.ErrNotFound))
		return
	}
	if !h.Reports.Cancel(id) {
		h.fail(w, r, fmt.Errorf("job %s: %w", id, errJobFinished))
		return
	}
	h.logger.Info("job cancelled", zap.String("job_id", id))
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
