package main

import (
	"context"
	"fmt"
	"os"

	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/app"
	"github.com/grafana/grafana-plugin-sdk-go/backend/instancemgmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/config"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/logging"
)

const pluginID = "fulgerx2007-pdfreporter-app"

func newPluginCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:    "plugin",
		Short:  "Run as a Grafana app plugin backend",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Manage(pluginID, newPluginInstance(*configPath), app.ManageOpts{})
		},
	}
}

// pluginInstance is one app instance managed by Grafana
type pluginInstance struct {
	app    *application
	logger *zap.Logger
}

var (
	_ backend.CallResourceHandler   = (*pluginInstance)(nil)
	_ backend.CheckHealthHandler    = (*pluginInstance)(nil)
	_ instancemgmt.InstanceDisposer = (*pluginInstance)(nil)
)

func newPluginInstance(configPath string) app.InstanceFactoryFunc {
	return func(ctx context.Context, settings backend.AppInstanceSettings) (instancemgmt.Instance, error) {
		cfg, err := config.Load(configPath, func(c *config.Config) {
			if len(c.Grafana.Servers) == 0 && c.Grafana.URL == "" {
				c.Grafana.URL = grafanaAppURL(ctx)
			}
		})
		if err != nil {
			return nil, err
		}
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}

		a, err := newApplication(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := a.start(); err != nil {
			_ = a.close(context.Background())
			return nil, err
		}
		logger.Info("plugin instance started", zap.Time("settings_updated", settings.Updated))
		return &pluginInstance{app: a, logger: logger}, nil
	}
}

// grafanaAppURL is the URL of the hosting Grafana
func grafanaAppURL(ctx context.Context) string {
	if cfg := backend.GrafanaConfigFromContext(ctx); cfg != nil {
		if u, err := cfg.AppURL(); err == nil && u != "" {
			return u
		}
	}
	return os.Getenv("GF_APP_URL")
}

func (p *pluginInstance) CallResource(ctx context.Context, req *backend.CallResourceRequest, sender backend.CallResourceResponseSender) error {
	return p.app.handler.CallResource(ctx, req, sender)
}

func (p *pluginInstance) CheckHealth(ctx context.Context, req *backend.CheckHealthRequest) (*backend.CheckHealthResult, error) {
	if err := p.app.store.Ping(ctx); err != nil {
		return &backend.CheckHealthResult{
			Status:  backend.HealthStatusError,
			Message: fmt.Sprintf("store unavailable: %v", err),
		}, nil
	}
	state := p.app.scheduler.State()
	return &backend.CheckHealthResult{
		Status:  backend.HealthStatusOk,
		Message: fmt.Sprintf("renderer %s, %d runs queued", p.app.renderer.Name(), len(state.Queued)),
	}, nil
}

// Dispose is called by Grafana when the instance settings change
func (p *pluginInstance) Dispose() {
	if err := p.app.close(context.Background()); err != nil {
		p.logger.Error("dispose failed", zap.Error(err))
	}
}
