package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/hash/md5"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
)

const performanceScript = `(() => {
  const nav = performance.getEntriesByType('navigation')[0];
  const paint = performance.getEntriesByType('paint');
  const fp = paint.find((e) => e.name === 'first-paint');
  const fcp = paint.find((e) => e.name === 'first-contentful-paint');
  return {
    loadTime: nav ? nav.loadEventEnd - nav.startTime : 0,
    domContentLoaded: nav ? nav.domContentLoadedEventEnd - nav.startTime : 0,
    firstPaint: fp ? fp.startTime : null,
    firstContentfulPaint: fcp ? fcp.startTime : null,
  };
})()`

const resourcesScript = `performance.getEntriesByType('resource').map((e) => ({ url: e.name, type: e.initiatorType }))`

// dynamismShots is how many viewport screenshots the dynamism probe compares.
const dynamismShots = 3

// taskRunner is satisfied by *Runner.
type taskRunner interface {
	Run(ctx context.Context, opts RunOptions, task Task) error
}

// RendererConfig controls navigation and the optional probes.
type RendererConfig struct {
	NavigationTimeout time.Duration
	UserAgent         string
	Dynamism          bool
	DynamismMinWait   time.Duration
	DynamismMaxWait   time.Duration
}

// RenderOptions selects the render variant for one page.
type RenderOptions struct {
	Stealth bool
	Visible bool
	Headers http.Header
	// SkipProbes disables the performance and dynamism probes.
	SkipProbes bool
}

// RenderResult is everything captured while a page was open.
type RenderResult struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	ServedHTML   string
	RenderedHTML string
	Console      []ConsoleMessage
	JSErrors     []string
	Performance  *crawler.Performance
	Resources    []crawler.Resource
	Dynamism     *crawler.Dynamism
	Duration     time.Duration
	Mode         crawler.RenderMode
}

// Renderer performs full browser renders through a Runner.
type Renderer struct {
	cfg     RendererConfig
	runner  taskRunner
	stealth *Stealth
	logger  *zap.Logger
	now     func() time.Time
}

// NewRenderer constructs a Renderer.
func NewRenderer(cfg RendererConfig, runner taskRunner, stealth *Stealth, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.DynamismMinWait <= 0 {
		cfg.DynamismMinWait = 2 * time.Second
	}
	if cfg.DynamismMaxWait < cfg.DynamismMinWait {
		cfg.DynamismMaxWait = cfg.DynamismMinWait + 3*time.Second
	}
	if stealth == nil {
		stealth = NewStealth(StealthConfig{}, nil)
	}
	return &Renderer{cfg: cfg, runner: runner, stealth: stealth, logger: logger.Named("renderer"), now: time.Now}
}

// Render opens url in a tab and captures the served and rendered documents.
func (r *Renderer) Render(ctx context.Context, url string, opts RenderOptions) (RenderResult, error) {
	var result RenderResult
	start := time.Now()
	err := r.runner.Run(ctx, RunOptions{Visible: opts.Visible}, func(tabCtx context.Context) error {
		var err error
		result, err = r.renderTab(tabCtx, url, opts)
		return err
	})
	if err != nil {
		return RenderResult{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Escalate renders url with stealth enabled. It satisfies the network
// executor's escalation contract.
func (r *Renderer) Escalate(ctx context.Context, url string, visible bool) (crawler.FetchResponse, error) {
	path := "headless"
	if visible {
		path = "visible"
	}
	res, err := r.Render(ctx, url, RenderOptions{Stealth: true, Visible: visible, SkipProbes: true})
	if err != nil {
		metrics.ObserveEscalation(path, false)
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveEscalation(path, true)
	return crawler.FetchResponse{
		URL:          res.URL,
		StatusCode:   res.StatusCode,
		Headers:      res.Headers,
		Body:         []byte(res.RenderedHTML),
		Duration:     res.Duration,
		UsedHeadless: true,
		Mode:         crawler.RenderModeStealth,
	}, nil
}

func (r *Renderer) renderTab(ctx context.Context, url string, opts RenderOptions) (RenderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	defer cancel()

	events := newPageEvents(r.now)
	// Listeners are removed when the tab context is canceled.
	chromedp.ListenTarget(ctx, events.captureEvent)

	var (
		rendered string
		finalURL string
		served   []byte
	)
	actions := []chromedp.Action{
		r.setupAction(opts),
	}
	if opts.Stealth {
		actions = append(actions, r.stealth.Apply(), r.delayAction())
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &rendered, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			id := events.documentRequest()
			if id == "" {
				return nil
			}
			body, err := network.GetResponseBody(id).Do(ctx)
			if err != nil {
				r.logger.Debug("served body unavailable", zap.String("url", url), zap.Error(err))
				return nil
			}
			served = body
			return nil
		}),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return RenderResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, responseURL := events.snapshotWithFallbacks(url, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	result := RenderResult{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		ServedHTML:   string(served),
		RenderedHTML: rendered,
		Mode:         crawler.RenderModeBrowser,
	}
	if opts.Stealth {
		result.Mode = crawler.RenderModeStealth
	}

	if !opts.SkipProbes {
		result.Performance = r.performance(ctx, url)
		result.Resources = r.resources(ctx, url)
		if r.cfg.Dynamism {
			result.Dynamism = r.dynamism(ctx, url)
		}
	}
	if opts.Stealth {
		if err := r.stealth.Delay(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return RenderResult{}, fmt.Errorf("stealth delay: %w", err)
		}
	}

	result.Console = events.consoleMessages()
	result.JSErrors = events.scriptErrors()
	return result, nil
}

func (r *Renderer) setupAction(opts RenderOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := runtime.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable runtime domain: %w", err)
		}
		if opts.Stealth {
			return nil
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(opts.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(opts.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) delayAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return r.stealth.Delay(ctx)
	})
}

func (r *Renderer) performance(ctx context.Context, url string) *crawler.Performance {
	var perf crawler.Performance
	if err := chromedp.Run(ctx, chromedp.Evaluate(performanceScript, &perf)); err != nil {
		r.logger.Debug("performance metrics unavailable", zap.String("url", url), zap.Error(err))
		return nil
	}
	return &perf
}

func (r *Renderer) resources(ctx context.Context, url string) []crawler.Resource {
	var resources []crawler.Resource
	if err := chromedp.Run(ctx, chromedp.Evaluate(resourcesScript, &resources)); err != nil {
		r.logger.Debug("resource timing unavailable", zap.String("url", url), zap.Error(err))
		return nil
	}
	return resources
}

// dynamism compares viewport screenshots taken at random intervals. It is
// best effort: failures are logged and yield nil.
func (r *Renderer) dynamism(ctx context.Context, url string) *crawler.Dynamism {
	shots := make([][]byte, 0, dynamismShots)
	for range dynamismShots {
		var buf []byte
		wait := r.stealth.Between(r.cfg.DynamismMinWait, r.cfg.DynamismMaxWait)
		if err := chromedp.Run(ctx, chromedp.Sleep(wait), chromedp.CaptureScreenshot(&buf)); err != nil {
			r.logger.Warn("visual dynamism probe failed", zap.String("url", url), zap.Error(err))
			return nil
		}
		shots = append(shots, buf)
	}
	d := CompareScreenshots(shots)
	if d.Detected {
		r.logger.Info("visual dynamism detected", zap.String("url", url), zap.Int("unique_states", d.UniqueStates))
	}
	return &d
}

// CompareScreenshots reports how many distinct images were captured.
func CompareScreenshots(shots [][]byte) crawler.Dynamism {
	unique := make(map[string]struct{}, len(shots))
	for _, shot := range shots {
		unique[md5.Sum(shot)] = struct{}{}
	}
	return crawler.Dynamism{Detected: len(unique) > 1, UniqueStates: len(unique)}
}
