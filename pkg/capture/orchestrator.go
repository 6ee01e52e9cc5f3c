// Package capture walks a layout's panel list and turns every panel into a
// raster image through a rendering surface, reporting weighted progress and
// honouring cancellation between panels.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

const (
	// PanelWidth and PanelHeight are the fixed capture dimensions in pixels
	PanelWidth  = 800
	PanelHeight = 320

	// DefaultTimeout bounds the wait for the readiness marker
	DefaultTimeout = 30 * time.Second

	// CancelledPercentage is emitted once when a run observes cancellation
	CancelledPercentage = -1
)

// ErrCancelled is returned when the job was cancelled at a checkpoint
var ErrCancelled = errors.New("report cancelled")

// CaptureError aborts a run. Stage is "setup" or "panel".
type CaptureError struct {
	Stage        string
	DashboardUID string
	PanelID      int64
	Err          error
}

func (e *CaptureError) Error() string {
	if e.Stage == "setup" {
		return fmt.Sprintf("capture setup failed: %v", e.Err)
	}
	return fmt.Sprintf("failed to capture panel %d of dashboard %s: %v", e.PanelID, e.DashboardUID, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Target identifies what a panel URL points at
type Target struct {
	DashboardUID   string
	PanelID        int64
	OrganizationID int64
	Width          int
	Height         int
	Theme          string
	TimeRange      model.TimeRange
}

// DashboardAPI is the slice of the dashboard server the orchestrator needs
type DashboardAPI interface {
	GetVersion(ctx context.Context, serverRef string) (string, error)
	SwitchOrganization(ctx context.Context, serverRef string, orgID int64) error
	BuildPanelURL(serverRef string, t Target) (string, error)
	AuthHeaders(ctx context.Context, serverRef string) (map[string]string, error)
}

// Request is one capture invocation on the rendering surface
type Request struct {
	URL     string
	Width   int
	Height  int
	Marker  string
	Timeout time.Duration
	Headers map[string]string
}

// Surface renders a URL and returns PNG bytes once the marker appears
type Surface interface {
	Capture(ctx context.Context, req Request) ([]byte, error)
}

// Sink receives progress for one job
type Sink interface {
	Update(pct int, msg string) bool
	IsCancelled() bool
}

// Panel is a captured panel together with its grid placement
type Panel struct {
	Image []byte
	X     int
	Y     int
	W     int
	H     int
	Title string
}

// Result is what a successful run hands to composition
type Result struct {
	Panels  []Panel
	Version string
}

// Orchestrator captures the panels of a layout
type Orchestrator struct {
	api       DashboardAPI
	surface   Surface
	readiness Readiness
	timeout   time.Duration
	logger    *zap.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithReadiness replaces the readiness table
func WithReadiness(r Readiness) Option {
	return func(o *Orchestrator) {
		o.readiness = r
	}
}

// WithTimeout sets the per-panel readiness wait
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New builds an Orchestrator
func New(api DashboardAPI, surface Surface, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:       api,
		surface:   surface,
		readiness: DefaultReadiness(),
		timeout:   DefaultTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StepWeight is the percentage each step contributes for n panels. Setup and
// composition count as one step each.
func StepWeight(n int) float64 {
	return 100.0 / float64(n+2)
}

func progressAt(step int, n int) int {
	return int(math.Round(StepWeight(n) * float64(step)))
}

// Run captures every panel of layout in list order. It returns ErrCancelled
// after emitting the single -1 update when the sink reports cancellation at a
// checkpoint, or a *CaptureError when any step fails. The final checkpoint
// happens right before composition, so a nil error means the caller may
// compose.
func (o *Orchestrator) Run(ctx context.Context, layout *model.Layout, sink Sink) (*Result, error) {
	if err := model.ValidateLayout(layout); err != nil {
		return nil, err
	}
	n := len(layout.Panels)
	log := o.logger.With(zap.String("layout_id", layout.ID), zap.String("server", layout.ServerRef))

	if o.cancelled(sink) {
		return nil, ErrCancelled
	}

	version, headers, err := o.setup(ctx, layout)
	if err != nil {
		log.Error("capture setup failed", zap.Error(err))
		return nil, err
	}
	marker := o.readiness.MarkerFor(version)
	log.Debug("capture setup complete", zap.String("version", version), zap.String("marker", marker), zap.Int("panels", n))
	sink.Update(progressAt(1, n), "Setup complete")

	if o.cancelled(sink) {
		return nil, ErrCancelled
	}

	tr := layout.EffectiveTimeRange()
	panels := make([]Panel, 0, n)
	for i, p := range layout.Panels {
		if err := ctx.Err(); err != nil {
			return nil, &CaptureError{Stage: "panel", DashboardUID: p.DashboardUID, PanelID: p.PanelID, Err: err}
		}

		img, err := o.capturePanel(ctx, layout, p, tr, marker, headers)
		if err != nil {
			log.Error("panel capture failed",
				zap.String("dashboard_uid", p.DashboardUID), zap.Int64("panel_id", p.PanelID), zap.Error(err))
			return nil, &CaptureError{Stage: "panel", DashboardUID: p.DashboardUID, PanelID: p.PanelID, Err: err}
		}
		panels = append(panels, Panel{Image: img, X: p.X, Y: p.Y, W: p.W, H: p.H, Title: p.Title})
		sink.Update(progressAt(i+2, n), fmt.Sprintf("Captured panel %d/%d", i+1, n))

		if o.cancelled(sink) {
			return nil, ErrCancelled
		}
	}

	if o.cancelled(sink) {
		return nil, ErrCancelled
	}
	return &Result{Panels: panels, Version: version}, nil
}

func (o *Orchestrator) setup(ctx context.Context, layout *model.Layout) (string, map[string]string, error) {
	version, err := o.api.GetVersion(ctx, layout.ServerRef)
	if err != nil {
		// an unknown version only affects marker choice
		o.logger.Warn("dashboard server version unavailable, using default readiness marker",
			zap.String("server", layout.ServerRef), zap.Error(err))
		version = ""
	}

	if layout.OrganizationID > 0 {
		if err := o.api.SwitchOrganization(ctx, layout.ServerRef, layout.OrganizationID); err != nil {
			return "", nil, &CaptureError{Stage: "setup", Err: fmt.Errorf("switch organization %d: %w", layout.OrganizationID, err)}
		}
	}

	headers, err := o.api.AuthHeaders(ctx, layout.ServerRef)
	if err != nil {
		return "", nil, &CaptureError{Stage: "setup", Err: err}
	}
	return version, headers, nil
}

func (o *Orchestrator) capturePanel(ctx context.Context, layout *model.Layout, p model.PanelRef, tr model.TimeRange, marker string, headers map[string]string) ([]byte, error) {
	u, err := o.api.BuildPanelURL(layout.ServerRef, Target{
		DashboardUID:   p.DashboardUID,
		PanelID:        p.PanelID,
		OrganizationID: layout.OrganizationID,
		Width:          PanelWidth,
		Height:         PanelHeight,
		Theme:          layout.EffectiveTheme(),
		TimeRange:      tr,
	})
	if err != nil {
		return nil, fmt.Errorf("build panel url: %w", err)
	}

	img, err := o.surface.Capture(ctx, Request{
		URL:     u,
		Width:   PanelWidth,
		Height:  PanelHeight,
		Marker:  marker,
		Timeout: o.timeout,
		Headers: headers,
	})
	if err != nil {
		return nil, err
	}
	if len(img) == 0 {
		return nil, errors.New("rendering surface returned an empty image")
	}
	return img, nil
}

func (o *Orchestrator) cancelled(sink Sink) bool {
	if !sink.IsCancelled() {
		return false
	}
	sink.Update(CancelledPercentage, "cancelled")
	return true
}
