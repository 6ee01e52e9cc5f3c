package render

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
)

// Backend is a headless browser that captures panels
type Backend interface {
	capture.Surface

	// Close releases the browser
	Close() error

	// Name returns the name of the backend
	Name() string
}

// Config configures the headless browser
type Config struct {
	Backend           string        `mapstructure:"backend"`
	ChromiumPath      string        `mapstructure:"chromium_path"`
	DeviceScaleFactor float64       `mapstructure:"device_scale_factor"`
	SkipTLSVerify     bool          `mapstructure:"skip_tls_verify"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

func (c Config) withDefaults() Config {
	if c.DeviceScaleFactor == 0 {
		c.DeviceScaleFactor = 1.0
	}
	if c.NavigationTimeout == 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// NewBackend creates the configured backend. Chromium via go-rod is the
// default.
func NewBackend(cfg Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", "chromium":
		return NewChromiumRenderer(cfg, logger), nil
	case "playwright":
		return NewPlaywrightRenderer(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", cfg.Backend)
	}
}
