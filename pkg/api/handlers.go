// Package api exposes layouts, templates, schedules, report jobs and Grafana
// browsing over HTTP. The same router serves the standalone server and the
// plugin's CallResource.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/resource/httpadapter"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/archive"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/cron"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/grafana"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/mail"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/metrics"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/progress"
)

// Documents is the persistence the API edits
type Documents interface {
	SaveLayout(l *model.Layout) error
	GetLayout(id string) (*model.Layout, error)
	ListLayouts() ([]*model.Layout, error)
	DeleteLayout(id string) error

	SaveTemplate(t *model.Template) error
	GetTemplate(id string) (*model.Template, error)
	ListTemplates() ([]*model.Template, error)
	DeleteTemplate(id string) error

	SaveSchedule(s *model.Schedule) error
	GetSchedule(id string) (*model.Schedule, error)
	ListSchedules() ([]*model.Schedule, error)
	DeleteSchedule(id string) error

	Ping(ctx context.Context) error
}

// Reports starts and cancels ad-hoc jobs
type Reports interface {
	StartLayout(layoutID string) (string, error)
	Start(layout *model.Layout) (string, error)
	Cancel(jobID string) bool
}

// Dashboards browses the configured Grafana servers
type Dashboards interface {
	Servers() []grafana.Server
	Health(ctx context.Context, ref string) (*grafana.Health, error)
	ListOrganizations(ctx context.Context, ref string) ([]grafana.Organization, error)
	ListDashboards(ctx context.Context, ref string, orgID int64) ([]grafana.Dashboard, error)
	ListPanels(ctx context.Context, ref, uid string) ([]grafana.Panel, error)
}

// Deps are the collaborators of a Handler. Mailer, Archiver and Metrics may
// be nil.
type Deps struct {
	Store      Documents
	Reports    Reports
	Progress   *progress.Store
	Scheduler  *cron.Scheduler
	Dashboards Dashboards
	Mailer     mail.Sink
	Archiver   archive.Archiver
	Metrics    *metrics.Metrics
	Version    string
}

// Handler handles HTTP API requests
type Handler struct {
	Deps
	router       chi.Router
	logger       *zap.Logger
	pollInterval time.Duration
}

// Option configures a Handler
type Option func(*Handler)

// WithPollInterval sets how often the progress stream samples a job
func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		Deps:         deps,
		logger:       logger.Named("api"),
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registerRoutes()
	return h
}

// registerRoutes registers all HTTP routes
func (h *Handler) registerRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.recovery)
	r.Use(h.requestLog)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Get("/health/queue", h.handleQueue)

		r.Route("/layouts", func(r chi.Router) {
			r.Get("/", h.listLayouts)
			r.Post("/", h.createLayout)
			r.Get("/{id}", h.getLayout)
			r.Put("/{id}", h.updateLayout)
			r.Delete("/{id}", h.deleteLayout)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.listTemplates)
			r.Post("/", h.createTemplate)
			r.Get("/{id}", h.getTemplate)
			r.Put("/{id}", h.updateTemplate)
			r.Delete("/{id}", h.deleteTemplate)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", h.listSchedules)
			r.Post("/", h.createSchedule)
			r.Get("/{id}", h.getSchedule)
			r.Put("/{id}", h.updateSchedule)
			r.Delete("/{id}", h.deleteSchedule)
			r.Get("/{id}/history", h.scheduleHistory)
			r.Get("/{id}/history/{jobID}/artifact", h.scheduleArtifact)
			r.Post("/{id}/run", h.runSchedule)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Post("/", h.startReport)
			r.Get("/{jobID}", h.reportProgress)
			r.Get("/{jobID}/events", h.reportEvents)
			r.Get("/{jobID}/download", h.downloadReport)
			r.Delete("/{jobID}", h.cancelReport)
		})

		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.listServers)
			r.Get("/{server}/health", h.serverHealth)
			r.Get("/{server}/organizations", h.listOrganizations)
			r.Get("/{server}/organizations/{orgID}/dashboards", h.listDashboards)
			r.Get("/{server}/dashboards/{uid}/panels", h.listPanels)
		})

		r.Post("/mail/test", h.handleMailTest)
	})
	h.router = r
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// CallResource implements backend.CallResourceHandler
func (h *Handler) CallResource(ctx context.Context, req *backend.CallResourceRequest, sender backend.CallResourceResponseSender) error {
	return httpadapter.New(h.router).CallResource(ctx, req, sender)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{"store": "healthy"}
	if err := h.Store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		checks["store"] = err.Error()
	}
	mailer := "none"
	if h.Mailer != nil {
		mailer = h.Mailer.Name()
	}
	resp := map[string]interface{}{
		"status":  "healthy",
		"version": h.Version,
		"checks":  checks,
		"mail":    mailer,
	}
	if status != http.StatusOK {
		resp["status"] = "unhealthy"
	}
	respondJSON(w, status, resp)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Scheduler.State())
}

// handleMailTest checks the connection of the configured mail backend
func (h *Handler) handleMailTest(w http.ResponseWriter, r *http.Request) {
	if h.Mailer == nil {
		h.fail(w, r, mail.ErrNotConfigured)
		return
	}
	if err := h.Mailer.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":  false,
			"provider": h.Mailer.Name(),
			"error":    err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"provider": h.Mailer.Name(),
		"message":  "Successfully connected to mail backend",
	})
}
