package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/api"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/archive"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/config"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/cron"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/grafana"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/mail"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/metrics"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/progress"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/render"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/report"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/store"
)

// application owns every long-lived component of the process
type application struct {
	store     *store.Store
	renderer  render.Backend
	service   *report.Service
	scheduler *cron.Scheduler
	handler   *api.Handler
	logger    *zap.Logger
}

func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *application, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, st.Close)
	if _, err := st.EnsureDefaultTemplate(); err != nil {
		return nil, fmt.Errorf("default template: %w", err)
	}

	gc, err := grafana.New(cfg.Grafana.Servers, cfg.Grafana.Timeout, logger)
	if err != nil {
		return nil, err
	}

	renderer, err := render.NewBackend(cfg.Render, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, renderer.Close)

	m := metrics.New()
	orchestrator := capture.New(gc, renderer,
		capture.WithReadiness(cfg.Capture.Readiness()),
		capture.WithTimeout(cfg.Capture.Timeout),
		capture.WithLogger(logger))

	prog := progress.NewStore()
	generator := report.NewGenerator(orchestrator, prog, st,
		report.WithLogoFetcher(report.NewHTTPLogoFetcher(10*time.Second)),
		report.WithMetrics(m),
		report.WithLogger(logger))
	service := report.NewService(generator, st, cfg.Reports.Timeout, logger)

	opts := []cron.Option{cron.WithMetrics(m), cron.WithLogger(logger)}

	mailer, err := mail.NewSink(cfg.Mail, logger)
	switch {
	case errors.Is(err, mail.ErrNotConfigured):
		logger.Info("mail delivery disabled")
		mailer = nil
	case err != nil:
		return nil, err
	default:
		opts = append(opts, cron.WithMailer(mailer))
	}

	archiver, err := archive.New(ctx, cfg.Archive, st, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, cron.WithArchiver(archiver))

	scheduler := cron.NewScheduler(st, generator, cfg.Schedule, opts...)

	handler := api.NewHandler(api.Deps{
		Store:      st,
		Reports:    service,
		Progress:   prog,
		Scheduler:  scheduler,
		Dashboards: gc,
		Mailer:     mailer,
		Archiver:   archiver,
		Metrics:    m,
		Version:    version,
	}, logger)

	logger.Info("application ready",
		zap.Int("grafana_servers", len(cfg.Grafana.Servers)),
		zap.String("renderer", renderer.Name()),
		zap.String("archive", archiver.Name()))

	return &application{
		store:     st,
		renderer:  renderer,
		service:   service,
		scheduler: scheduler,
		handler:   handler,
		logger:    logger,
	}, nil
}

func (a *application) start() error {
	return a.scheduler.Start()
}

// close stops the scheduler and ad-hoc jobs, then releases the browser and
// the database
func (a *application) close(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := a.service.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop reports: %w", err))
	}
	if err := a.renderer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close renderer: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
