package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/cron"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.Store.ListSchedules()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Store.GetSchedule(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

// checkSchedule validates what the client may set on a schedule
func (h *Handler) checkSchedule(sc *model.Schedule) error {
	switch sc.Status {
	case model.ScheduleActive, model.ScheduleInactive:
	default:
		return fmt.Errorf("%w: status must be active or inactive, got %q", model.ErrInvalidConfig, sc.Status)
	}
	if err := h.Scheduler.Validate(sc); err != nil {
		return err
	}
	if _, err := h.Store.GetLayout(sc.LayoutRef); err != nil {
		return fmt.Errorf("%w: layout %q does not exist", model.ErrInvalidConfig, sc.LayoutRef)
	}
	return nil
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sc model.Schedule
	if err := decodeJSON(r, &sc); err != nil {
		h.fail(w, r, err)
		return
	}
	sc.ID = uuid.NewString()
	sc.History, sc.LastRun, sc.NextRun = nil, nil, nil
	if sc.Status == "" {
		sc.Status = model.ScheduleInactive
	}

	if err := h.checkSchedule(&sc); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Scheduler.Sync(&sc); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.SaveSchedule(&sc); err != nil {
		h.Scheduler.Deactivate(sc.ID)
		h.fail(w, r, err)
		return
	}
	h.logger.Info("schedule created", zap.String("schedule_id", sc.ID), zap.String("status", string(sc.Status)))
	respondJSON(w, http.StatusCreated, sc)
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var in model.Schedule
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}

	sc, err := h.Scheduler.Update(chi.URLParam(r, "id"), func(sc *model.Schedule) error {
		sc.Name = in.Name
		sc.CronExpression = in.CronExpression
		sc.IntervalType = in.IntervalType
		sc.Timezone = in.Timezone
		sc.LayoutRef = in.LayoutRef
		sc.ServerRef = in.ServerRef
		sc.Notification = in.Notification
		if in.Status != "" {
			sc.Status = in.Status
		}
		if err := h.checkSchedule(sc); err != nil {
			return err
		}
		return h.Scheduler.Sync(sc)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Scheduler.Remove(id); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.DeleteSchedule(id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("schedule deleted", zap.String("schedule_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) scheduleHistory(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Store.GetSchedule(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	history := sc.History
	if history == nil {
		history = []model.HistoryEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// scheduleArtifact serves the archived PDF of one run
func (h *Handler) scheduleArtifact(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Store.GetSchedule(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "jobID")

	var entry *model.HistoryEntry
	for i := range sc.History {
		if sc.History[i].JobID == jobID {
			entry = &sc.History[i]
			break
		}
	}
	if entry == nil || entry.ArtifactRef == "" || h.Archiver == nil {
		h.fail(w, r, fmt.Errorf("artifact for run %s: %w", jobID, model.ErrNotFound))
		return
	}

	data, err := h.Archiver.Get(r.Context(), entry.ArtifactRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writePDF(w, cron.ReportFilename(sc.Name, entry.Timestamp), data)
}

func (h *Handler) runSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	queued, err := h.Scheduler.RunNow(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"scheduleId": id, "queued": queued})
}

func writePDF(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
