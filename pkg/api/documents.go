package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

func (h *Handler) listLayouts(w http.ResponseWriter, r *http.Request) {
	layouts, err := h.Store.ListLayouts()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"layouts": layouts})
}

func (h *Handler) getLayout(w http.ResponseWriter, r *http.Request) {
	layout, err := h.Store.GetLayout(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, layout)
}

func (h *Handler) createLayout(w http.ResponseWriter, r *http.Request) {
	var layout model.Layout
	if err := decodeJSON(r, &layout); err != nil {
		h.fail(w, r, err)
		return
	}
	layout.ID = ""
	h.saveLayout(w, r, &layout, http.StatusCreated)
}

func (h *Handler) updateLayout(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetLayout(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var layout model.Layout
	if err := decodeJSON(r, &layout); err != nil {
		h.fail(w, r, err)
		return
	}
	layout.ID = existing.ID
	layout.CreatedAt = existing.CreatedAt
	h.saveLayout(w, r, &layout, http.StatusOK)
}

func (h *Handler) saveLayout(w http.ResponseWriter, r *http.Request, layout *model.Layout, status int) {
	if err := model.ValidateLayout(layout); err != nil {
		h.fail(w, r, err)
		return
	}
	if layout.TemplateRef != "" {
		if _, err := h.Store.GetTemplate(layout.TemplateRef); err != nil {
			h.fail(w, r, fmt.Errorf("%w: template %q does not exist", model.ErrInvalidConfig, layout.TemplateRef))
			return
		}
	}
	if err := h.Store.SaveLayout(layout); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, status, layout)
}

func (h *Handler) deleteLayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schedules, err := h.Store.ListSchedules()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, sc := range schedules {
		if sc.LayoutRef == id {
			h.fail(w, r, fmt.Errorf("%w: layout is used by schedule %q", model.ErrInvalidConfig, sc.Name))
			return
		}
	}
	if err := h.Store.DeleteLayout(id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.Store.ListTemplates()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Store.GetTemplate(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl model.Template
	if err := decodeJSON(r, &tpl); err != nil {
		h.fail(w, r, err)
		return
	}
	tpl.ID = ""
	h.saveTemplate(w, r, &tpl, http.StatusCreated)
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetTemplate(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var tpl model.Template
	if err := decodeJSON(r, &tpl); err != nil {
		h.fail(w, r, err)
		return
	}
	tpl.ID = existing.ID
	tpl.CreatedAt = existing.CreatedAt
	h.saveTemplate(w, r, &tpl, http.StatusOK)
}

func (h *Handler) saveTemplate(w http.ResponseWriter, r *http.Request, tpl *model.Template, status int) {
	if _, err := tpl.Normalize(); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.SaveTemplate(tpl); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, status, tpl)
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == model.DefaultTemplateID {
		h.fail(w, r, fmt.Errorf("%w: the default template cannot be deleted", model.ErrInvalidConfig))
		return
	}
	layouts, err := h.Store.ListLayouts()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, l := range layouts {
		if l.TemplateRef == id {
			h.fail(w, r, fmt.Errorf("%w: template is used by layout %q", model.ErrInvalidConfig, l.Name))
			return
		}
	}
	if err := h.Store.DeleteTemplate(id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
