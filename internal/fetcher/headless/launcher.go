// Package headless runs pages in Chrome via chromedp: a bounded browser
// pool, a degraded on-demand launcher, stealth configuration and the full
// render used by the content cache.
package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/chromedp"
)

// LaunchOptions selects how a browser process is started.
type LaunchOptions struct {
	Headless bool
	ExecPath string
	// Flags are extra command line switches appended to DefaultFlags.
	Flags map[string]any
}

// Instance is one launched browser. NewTab returns a fresh page context
// whose cancel func closes the tab.
type Instance interface {
	NewTab() (context.Context, context.CancelFunc)
	Close() error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// DefaultFlags are applied to every launch.
func DefaultFlags() map[string]any {
	return map[string]any{
		"no-sandbox":                    true,
		"disable-setuid-sandbox":        true,
		"disable-dev-shm-usage":         true,
		"disable-accelerated-2d-canvas": true,
		"disable-gpu":                   true,
		"window-size":                   "1920,1080",
		"disable-blink-features":        "AutomationControlled",
		"enable-automation":             false,
		"hide-scrollbars":               true,
	}
}

// ChromeLauncher launches local Chrome processes through chromedp.
type ChromeLauncher struct{}

// Launch starts Chrome and waits until the browser target is attached.
func (ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", "new"))
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	for name, value := range DefaultFlags() {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	for name, value := range opts.Flags {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	// The allocator outlives the launch context; it is released by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", ctx.Err())
	}

	return &chromeInstance{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type chromeInstance struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func (c *chromeInstance) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(c.browserCtx)
}

func (c *chromeInstance) Close() error {
	err := chromedp.Cancel(c.browserCtx)
	c.browserCancel()
	c.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}
