// Package report runs the capture and composition pipeline for one job and
// hands the finished document to the progress store.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/compose"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/metrics"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/progress"
)

// Templates resolves templates by id
type Templates interface {
	GetTemplate(id string) (*model.Template, error)
}

// LogoFetcher loads header logo bytes from a reference
type LogoFetcher interface {
	FetchLogo(ctx context.Context, ref string) ([]byte, error)
}

// Outcome describes a finished document
type Outcome struct {
	JobID    string
	Document *compose.Document
	Checksum string
	Version  string
	Panels   int
}

// Generator produces one report per call
type Generator struct {
	orchestrator *capture.Orchestrator
	progress     *progress.Store
	templates    Templates
	logos        LogoFetcher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// GeneratorOption configures a Generator
type GeneratorOption func(*Generator)

func WithLogoFetcher(f LogoFetcher) GeneratorOption {
	return func(g *Generator) { g.logos = f }
}

func WithMetrics(m *metrics.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

func WithLogger(l *zap.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(o *capture.Orchestrator, p *progress.Store, templates Templates, opts ...GeneratorOption) *Generator {
	g := &Generator{
		orchestrator: o,
		progress:     p,
		templates:    templates,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("report")
	return g
}

// Progress returns the store the generator reports into
func (g *Generator) Progress() *progress.Store {
	return g.progress
}

// template returns the layout's template, falling back to the built-in one
func (g *Generator) template(layout *model.Layout) (*model.Template, error) {
	ref := layout.TemplateRef
	if ref == "" {
		ref = model.DefaultTemplateID
	}
	if g.templates == nil {
		return model.DefaultTemplate(), nil
	}
	t, err := g.templates.GetTemplate(ref)
	if errors.Is(err, model.ErrNotFound) {
		if layout.TemplateRef != "" && layout.TemplateRef != model.DefaultTemplateID {
			return nil, fmt.Errorf("%w: template %s does not exist", model.ErrInvalidConfig, layout.TemplateRef)
		}
		return model.DefaultTemplate(), nil
	}
	return t, err
}

// Generate runs the whole pipeline for jobID. Failures are recorded on the
// progress entry before being returned; cancellation returns
// capture.ErrCancelled with the entry already closed.
func (g *Generator) Generate(ctx context.Context, jobID, trigger string, layout *model.Layout) (*Outcome, error) {
	start := g.now()
	log := g.logger.With(zap.String("job_id", jobID), zap.String("layout_id", layout.ID))

	out, err := g.generate(ctx, jobID, layout, log)
	if err == nil && !g.progress.Complete(jobID, out.Document.Bytes(), "Report generated") {
		// cancelled between the last checkpoint and completion
		if g.progress.IsCancelled(jobID) {
			g.progress.Update(jobID, progress.Cancelled, "cancelled")
			out, err = nil, capture.ErrCancelled
		}
	}
	elapsed := g.now().Sub(start)

	switch {
	case errors.Is(err, capture.ErrCancelled):
		log.Info("report cancelled", zap.Duration("elapsed", elapsed))
		g.metrics.ObserveReport(trigger, "cancelled", elapsed, 0, 0)
	case err != nil:
		g.progress.Fail(jobID, err)
		log.Error("report failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		g.metrics.ObserveReport(trigger, "error", elapsed, 0, 0)
	default:
		log.Info("report generated",
			zap.Int("pages", out.Document.Pages),
			zap.Int("bytes", out.Document.Len()),
			zap.Duration("elapsed", elapsed))
		g.metrics.ObserveReport(trigger, "completed", elapsed, out.Panels, out.Document.Pages)
	}
	return out, err
}

func (g *Generator) generate(ctx context.Context, jobID string, layout *model.Layout, log *zap.Logger) (*Outcome, error) {
	g.progress.SetServer(jobID, layout.ServerRef)

	tpl, err := g.template(layout)
	if err != nil {
		return nil, err
	}
	nt, err := tpl.Normalize()
	if err != nil {
		return nil, err
	}

	sink := g.progress.SinkFor(jobID)
	res, err := g.orchestrator.Run(ctx, layout, sink)
	if err != nil {
		return nil, err
	}

	var logo []byte
	if nt.LogoRef != "" && g.logos != nil {
		logo, err = g.logos.FetchLogo(ctx, nt.LogoRef)
		if err != nil {
			// the header is still drawn without it
			log.Warn("logo unavailable", zap.String("logo", nt.LogoRef), zap.Error(err))
			logo = nil
		}
	}

	if sink.IsCancelled() {
		sink.Update(progress.Cancelled, "cancelled")
		return nil, capture.ErrCancelled
	}

	tr := layout.EffectiveTimeRange()
	doc, err := compose.Compose(compose.Input{
		Panels:      res.Panels,
		Template:    nt,
		Rows:        layout.Rows,
		Columns:     layout.Columns,
		TimeRange:   &tr,
		Logo:        logo,
		GeneratedAt: g.now(),
		Version:     res.Version,
	})
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(doc.Bytes())
	return &Outcome{
		JobID:    jobID,
		Document: doc,
		Checksum: hex.EncodeToString(sum[:]),
		Version:  res.Version,
		Panels:   len(res.Panels),
	}, nil
}

// HTTPLogoFetcher loads logos from http(s) URLs or base64 data URIs
type HTTPLogoFetcher struct {
	client  *resty.Client
	maxSize int
}

func NewHTTPLogoFetcher(timeout time.Duration) *HTTPLogoFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLogoFetcher{
		client:  resty.New().SetTimeout(timeout),
		maxSize: 2 << 20,
	}
}

func (f *HTTPLogoFetcher) FetchLogo(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURI(ref)
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil, fmt.Errorf("unsupported logo reference %q", ref)
	}
	resp, err := f.client.R().SetContext(ctx).Get(ref)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch logo: status %d", resp.StatusCode())
	}
	if len(resp.Body()) > f.maxSize {
		return nil, fmt.Errorf("logo exceeds %d bytes", f.maxSize)
	}
	return resp.Body(), nil
}

func decodeDataURI(ref string) ([]byte, error) {
	i := strings.Index(ref, ",")
	if i < 0 || !strings.HasSuffix(ref[:i], ";base64") {
		return nil, errors.New("logo data URI must be base64 encoded")
	}
	return base64.StdEncoding.DecodeString(ref[i+1:])
}
