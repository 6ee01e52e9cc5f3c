package render

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/capture"
)

// PlaywrightRenderer captures panels through a Playwright driven Chromium
type PlaywrightRenderer struct {
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

// NewPlaywrightRenderer creates a renderer; the driver starts on first use
func NewPlaywrightRenderer(cfg Config, logger *zap.Logger) *PlaywrightRenderer {
	return &PlaywrightRenderer{
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("renderer", "playwright"), zap.String("instance", generateInstanceID())),
	}
}

func (r *PlaywrightRenderer) getBrowser() (playwright.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	// the plugin home directory is often read-only
	if os.Getenv("PLAYWRIGHT_BROWSERS_PATH") == "" {
		_ = os.Setenv("PLAYWRIGHT_BROWSERS_PATH", os.TempDir()+"/.playwright-cache")
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start Playwright: %w", err)
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--no-first-run",
			"--disable-breakpad",
		},
	}
	chromePath := r.cfg.ChromiumPath
	if chromePath == "" {
		chromePath = findChromeBinary(chromeCandidates)
	}
	if chromePath != "" {
		opts.ExecutablePath = playwright.String(chromePath)
	}
	if r.cfg.SkipTLSVerify {
		opts.Args = append(opts.Args, "--ignore-certificate-errors")
	}

	browser, err := pw.Chromium.Launch(opts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch Chromium: %w", err)
	}
	r.pw = pw
	r.browser = browser
	r.logger.Info("playwright browser started", zap.String("binary", chromePath))
	return browser, nil
}

// Capture loads req.URL in a fresh browser context, waits for the readiness
// marker and returns a PNG screenshot.
func (r *PlaywrightRenderer) Capture(ctx context.Context, req capture.Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	browser, err := r.getBrowser()
	if err != nil {
		return nil, err
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: req.Width, Height: req.Height},
		DeviceScaleFactor: playwright.Float(r.cfg.DeviceScaleFactor),
		ExtraHttpHeaders:  req.Headers,
		IgnoreHttpsErrors: playwright.Bool(r.cfg.SkipTLSVerify),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	if _, err := page.Goto(req.URL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(r.cfg.NavigationTimeout.Milliseconds())),
	}); err != nil {
		return nil, fmt.Errorf("failed to navigate to panel: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = capture.DefaultTimeout
	}
	if err := page.Locator(capture.Selector(req.Marker)).First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		return nil, fmt.Errorf("readiness marker %q not found within %s: %w", req.Marker, timeout, err)
	}

	if err := sleepCtx(ctx, r.cfg.SettleDelay); err != nil {
		return nil, err
	}

	img, err := page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}
	return img, nil
}

// Close stops the browser and the driver
func (r *PlaywrightRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	if r.browser != nil {
		firstErr = r.browser.Close()
		r.browser = nil
	}
	if r.pw != nil {
		if err := r.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.pw = nil
	}
	return firstErr
}

// Name returns the backend name
func (r *PlaywrightRenderer) Name() string {
	return "playwright"
}
