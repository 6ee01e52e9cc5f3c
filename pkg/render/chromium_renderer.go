package render

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
)

// chromeCandidates are probed in order when no binary is configured
var chromeCandidates = []string{
	"./chrome-linux64/chrome",
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/snap/bin/chromium",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// ChromiumRenderer captures panels with a go-rod controlled Chromium. The
// browser is launched on first use and shared by every capture.
type ChromiumRenderer struct {
	cfg        Config
	logger     *zap.Logger
	mu         sync.Mutex
	browser    *rod.Browser
	instanceID string
	profileDir string
}

func generateInstanceID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewChromiumRenderer creates a renderer; nothing is launched yet
func NewChromiumRenderer(cfg Config, logger *zap.Logger) *ChromiumRenderer {
	id := generateInstanceID()
	return &ChromiumRenderer{
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("renderer", "chromium"), zap.String("instance", id)),
		instanceID: id,
		profileDir: filepath.Join(os.TempDir(), ".chromium-profile-"+id),
	}
}

func findChromeBinary(candidates []string) string {
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return path
		}
	}
	return ""
}

func (r *ChromiumRenderer) getBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	if err := os.MkdirAll(r.profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create browser profile dir: %w", err)
	}

	l := launcher.New()
	chromePath := r.cfg.ChromiumPath
	if chromePath == "" {
		chromePath = findChromeBinary(chromeCandidates)
	}
	if chromePath != "" {
		l = l.Bin(chromePath)
	} else {
		r.logger.Warn("no Chrome binary found, rod will try to download one")
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-breakpad").
		Set("user-data-dir", r.profileDir).
		Headless(true)
	if r.cfg.SkipTLSVerify {
		l = l.Set("ignore-certificate-errors")
		r.logger.Warn("TLS certificate verification disabled for renderer")
	}

	controlURL, err := l.Launch()
	if err != nil {
		if chromePath == "" {
			return nil, fmt.Errorf("failed to launch browser (no Chrome binary configured, set renderer.chromium_path): %w", err)
		}
		return nil, fmt.Errorf("failed to launch browser at '%s': %w", chromePath, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	r.browser = browser
	r.logger.Info("chromium browser started", zap.String("binary", chromePath))
	return browser, nil
}

// Capture loads req.URL, waits for the readiness marker and returns a PNG
// screenshot of the viewport.
func (r *ChromiumRenderer) Capture(ctx context.Context, req capture.Request) ([]byte, error) {
	browser, err := r.getBrowser()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	if len(req.Headers) > 0 {
		kv := make([]string, 0, len(req.Headers)*2)
		for k, v := range req.Headers {
			kv = append(kv, k, v)
		}
		cleanup, err := page.SetExtraHeaders(kv)
		if err != nil {
			return nil, fmt.Errorf("failed to set headers: %w", err)
		}
		defer cleanup()
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             req.Width,
		Height:            req.Height,
		DeviceScaleFactor: r.cfg.DeviceScaleFactor,
	}); err != nil {
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	nav := page.Context(ctx).Timeout(r.cfg.NavigationTimeout)
	if err := nav.Navigate(req.URL); err != nil {
		return nil, fmt.Errorf("failed to navigate to panel: %w", err)
	}
	if err := nav.WaitLoad(); err != nil {
		return nil, fmt.Errorf("failed to wait for page load: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = capture.DefaultTimeout
	}
	if _, err := page.Context(ctx).Timeout(timeout).Element(capture.Selector(req.Marker)); err != nil {
		return nil, fmt.Errorf("readiness marker %q not found within %s: %w", req.Marker, timeout, err)
	}

	if err := sleepCtx(ctx, r.cfg.SettleDelay); err != nil {
		return nil, err
	}

	img, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}
	return img, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close closes the browser and removes its profile directory
func (r *ChromiumRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	_ = os.RemoveAll(r.profileDir)
	r.logger.Info("chromium browser closed")
	return err
}

// Name returns the backend name
func (r *ChromiumRenderer) Name() string {
	return "chromium"
}
