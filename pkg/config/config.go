// Package config loads the reporter configuration from an optional YAML file
// and REPORTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/archive"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/cron"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/grafana"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/mail"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/render"
)

// EnvPrefix prefixes every environment override, e.g. REPORTER_SERVER_ADDR
const EnvPrefix = "REPORTER"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GrafanaConfig lists the dashboard servers. URL and the credentials next to
// it describe a single server for setups that only have one.
type GrafanaConfig struct {
	URL      string           `mapstructure:"url"`
	Username string           `mapstructure:"username"`
	Password string           `mapstructure:"password"`
	Token    string           `mapstructure:"token"`
	Timeout  time.Duration    `mapstructure:"timeout"`
	Servers  []grafana.Server `mapstructure:"servers"`
}

// CaptureConfig tunes panel readiness detection
type CaptureConfig struct {
	Timeout       time.Duration    `mapstructure:"timeout"`
	DefaultMarker string           `mapstructure:"default_marker"`
	Markers       []capture.Marker `mapstructure:"markers"`
}

// Readiness returns the marker table, falling back to the built-in one
func (c CaptureConfig) Readiness() capture.Readiness {
	r := capture.DefaultReadiness()
	if len(c.Markers) > 0 {
		r.Markers = c.Markers
	}
	if c.DefaultMarker != "" {
		r.Default = c.DefaultMarker
	}
	return r
}

type ReportsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Config is the complete reporter configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Grafana  GrafanaConfig  `mapstructure:"grafana"`
	Render   render.Config  `mapstructure:"render"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Reports  ReportsConfig  `mapstructure:"reports"`
	Schedule cron.Config    `mapstructure:"schedule"`
	Mail     mail.Config    `mapstructure:"mail"`
	Archive  archive.Config `mapstructure:"archive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.path", "data/reporter.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("grafana.url", "")
	v.SetDefault("grafana.username", "")
	v.SetDefault("grafana.password", "")
	v.SetDefault("grafana.token", "")
	v.SetDefault("grafana.timeout", "30s")

	v.SetDefault("render.backend", "chromium")
	v.SetDefault("render.chromium_path", "")
	v.SetDefault("render.device_scale_factor", 2.0)
	v.SetDefault("render.skip_tls_verify", true)
	v.SetDefault("render.navigation_timeout", "60s")
	v.SetDefault("render.settle_delay", "1s")

	v.SetDefault("capture.timeout", capture.DefaultTimeout.String())
	v.SetDefault("capture.default_marker", capture.DefaultMarker)

	v.SetDefault("reports.timeout", "10m")

	v.SetDefault("schedule.tick_interval", "15s")
	v.SetDefault("schedule.run_timeout", "10m")

	v.SetDefault("mail.provider", "none")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.from_name", "Grafana Reporter")
	v.SetDefault("mail.allowed_domains", []string{})
	v.SetDefault("mail.smtp.host", "")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.username", "")
	v.SetDefault("mail.smtp.password", "")
	v.SetDefault("mail.smtp.ssl", false)
	v.SetDefault("mail.smtp.skip_tls_verify", false)
	v.SetDefault("mail.sendgrid.api_key", "")
	v.SetDefault("mail.sendgrid.endpoint", "")
	v.SetDefault("mail.mailgun.api_key", "")
	v.SetDefault("mail.mailgun.domain", "")
	v.SetDefault("mail.mailgun.api_base", "")

	v.SetDefault("archive.backend", "sqlite")
	v.SetDefault("archive.minio.endpoint", "")
	v.SetDefault("archive.minio.access_key", "")
	v.SetDefault("archive.minio.secret_key", "")
	v.SetDefault("archive.minio.bucket", "grafana-reports")
	v.SetDefault("archive.minio.region", "")
	v.SetDefault("archive.minio.secure", true)
}

// Load reads path, or reporter.yaml from the working directory when path is
// empty, and applies environment overrides. A missing default file is fine.
// overrides run after decoding and before validation.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("reporter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/grafana-pdf-reporter")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for _, fn := range overrides {
		fn(&cfg)
	}
	cfg.apply()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// apply fills derived settings
func (c *Config) apply() {
	if len(c.Grafana.Servers) == 0 && c.Grafana.URL != "" {
		c.Grafana.Servers = []grafana.Server{{
			ID:       "default",
			URL:      c.Grafana.URL,
			Username: c.Grafana.Username,
			Password: c.Grafana.Password,
			Token:    c.Grafana.Token,
			Default:  true,
		}}
	}
	c.Mail.AllowedDomains = splitList(c.Mail.AllowedDomains)
	c.Schedule.AllowedDomains = c.Mail.AllowedDomains
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	if len(c.Grafana.Servers) == 0 {
		return fmt.Errorf("%w: at least one grafana server is required (grafana.url or grafana.servers)", model.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Grafana.Servers))
	for i, s := range c.Grafana.Servers {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("%w: grafana.servers[%d] needs an id and a url", model.ErrInvalidConfig, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate grafana server id %q", model.ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = true
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log.format must be json or console", model.ErrInvalidConfig)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", model.ErrInvalidConfig)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
