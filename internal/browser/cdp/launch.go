package cdp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/config"
)

// candidates lists executable names and well-known install paths per
// browser choice, in lookup order. Chrome is left to chromedp's own search.
var candidates = map[string][]string{
	config.BrowserChromium: {
		"chromium",
		"chromium-browser",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		`C:\Program Files\Chromium\Application\chrome.exe`,
	},
	config.BrowserEdge: {
		"microsoft-edge",
		"microsoft-edge-stable",
		"msedge",
		"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
		`C:\Program Files\Microsoft\Edge\Application\msedge.exe`,
	},
}

// ErrBrowserNotFound is returned when no executable exists for the choice.
var ErrBrowserNotFound = errors.New("browser executable not found")

// ExecPath resolves the executable for cfg. An explicit exec_path wins; an
// empty result for chrome means chromedp searches its default locations.
func ExecPath(cfg config.BrowserConfig, lookPath func(string) (string, error)) (string, error) {
	if cfg.ExecPath != "" {
		p, err := homedir.Expand(cfg.ExecPath)
		if err != nil {
			return "", fmt.Errorf("invalid browser exec_path %q: %w", cfg.ExecPath, err)
		}
		return p, nil
	}
	choice := strings.ToLower(cfg.Choice)
	if choice == "" || choice == config.BrowserChrome {
		return "", nil
	}
	names, ok := candidates[choice]
	if !ok {
		return "", fmt.Errorf("unsupported browser choice %q", cfg.Choice)
	}
	for _, name := range names {
		if p, err := lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrBrowserNotFound, choice, runtime.GOOS)
}

// AllocatorOptions builds the exec allocator options for cfg.
func AllocatorOptions(cfg config.BrowserConfig, execPath string) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("enable-automation", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// Launch starts a browser for cfg and returns a driver attached to its first
// tab. Close the driver to stop the browser.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	execPath, err := ExecPath(cfg, exec.LookPath)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(cfg, execPath)...)
	ctxOpts := []chromedp.ContextOption{
		chromedp.WithErrorf(logger.Sugar().Errorf),
	}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	// The first Run starts the browser process and attaches the initial tab.
	// It must use browserCtx itself: a derived context would take the browser
	// down with it when cancelled.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start %s: %w", displayName(cfg.Choice), err)
	}

	d, err := New(browserCtx, logger)
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}
	d.closeFns = []context.CancelFunc{allocCancel, browserCancel}
	logger.Info("Browser launched.",
		zap.String("choice", displayName(cfg.Choice)),
		zap.Bool("headless", cfg.Headless),
		zap.String("exec_path", execPath))
	return d, nil
}

func displayName(choice string) string {
	if choice == "" {
		return config.BrowserChrome
	}
	return strings.ToLower(choice)
}
