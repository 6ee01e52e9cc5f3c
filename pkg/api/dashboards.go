package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// serverRef maps the "default" path segment to the default server
func serverRef(r *http.Request) string {
	ref := chi.URLParam(r, "server")
	if ref == "default" {
		return ""
	}
	return ref
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"servers": h.Dashboards.Servers()})
}

func (h *Handler) serverHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.Dashboards.Health(r.Context(), serverRef(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, health)
}

func (h *Handler) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Dashboards.ListOrganizations(r.Context(), serverRef(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"organizations": orgs})
}

func (h *Handler) listDashboards(w http.ResponseWriter, r *http.Request) {
	orgID, err := strconv.ParseInt(chi.URLParam(r, "orgID"), 10, 64)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: invalid organization id", model.ErrInvalidConfig))
		return
	}
	dashboards, err := h.Dashboards.ListDashboards(r.Context(), serverRef(r), orgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"dashboards": dashboards})
}

func (h *Handler) listPanels(w http.ResponseWriter, r *http.Request) {
	panels, err := h.Dashboards.ListPanels(r.Context(), serverRef(r), chi.URLParam(r, "uid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"panels": panels})
}
