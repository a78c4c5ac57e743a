package cache

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/fetcher/headless"
)

// Options selects how a miss is filled.
type Options struct {
	// NoBrowser uses a plain HTTP fetch and DOM parse instead of a render.
	NoBrowser bool
	// CacheOnly reports misses as not available instead of fetching.
	CacheOnly bool
	// NoCache skips both lookup and persistence.
	NoCache bool
}

// Result is the outcome of GetOrRender. Err is set, and Entry nil, when the
// page could not be obtained.
type Result struct {
	Entry        *crawler.CacheEntry
	FromCache    bool
	NotAvailable bool
	Err          error
}

// GetOrRender returns the cached entry for url or produces a new one.
func (c *Cache) GetOrRender(ctx context.Context, url string, opts Options) Result {
	if !opts.NoCache {
		if entry, ok := c.Get(ctx, url); ok {
			entry.ContentFreshness = c.freshness(entry)
			return Result{Entry: entry, FromCache: true}
		}
	}
	if opts.CacheOnly {
		c.logger.Warn("no cached data available in cache-only mode, skipping", zap.String("url", url))
		return Result{NotAvailable: true}
	}

	var (
		entry *crawler.CacheEntry
		err   error
	)
	if opts.NoBrowser || c.renderer == nil {
		entry, err = c.fetch(ctx, url, !opts.NoCache)
	} else {
		entry, err = c.render(ctx, url, !opts.NoCache)
	}
	if err != nil {
		c.logger.Error("failed to obtain page", zap.String("url", url), zap.Bool("no_browser", opts.NoBrowser), zap.Error(err))
		return Result{Err: err}
	}

	entry.LastCrawled = c.clock.Now().UTC()
	entry.ContentFreshness = c.freshness(entry)
	if !opts.NoCache {
		if err := c.Set(ctx, url, entry); err != nil {
			c.logger.Error("failed to persist cache entry", zap.String("url", url), zap.Error(err))
		}
	}
	return Result{Entry: entry}
}

func (c *Cache) freshness(entry *crawler.CacheEntry) *crawler.Freshness {
	f := Classify(parseModified(entry.PageData), entry.LastCrawled, c.clock.Now())
	return &f
}

// fetch is the lightweight path: one HTTP GET and a DOM parse.
func (c *Cache) fetch(ctx context.Context, url string, persist bool) (*crawler.CacheEntry, error) {
	resp, err := c.executor.Execute(ctx, "fetch "+url, url, func(ctx context.Context) (crawler.FetchResponse, error) {
		return c.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url, Timeout: c.cfg.FetchTimeout})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	entry, err := c.entryFromResponse(url, resp)
	if err != nil {
		return nil, err
	}
	if persist {
		c.writeCompanion(ctx, url, servedPath(entry.CacheKey), entry.HTML)
	}
	return entry, nil
}

// render is the full browser path. When the executor escalated, only the
// stealth response is available and the entry is built from it.
func (c *Cache) render(ctx context.Context, url string, persist bool) (*crawler.CacheEntry, error) {
	var rendered headless.RenderResult
	resp, err := c.executor.Execute(ctx, "render "+url, url, func(ctx context.Context) (crawler.FetchResponse, error) {
		res, err := c.renderer.Render(ctx, url, headless.RenderOptions{})
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		rendered = res
		return crawler.FetchResponse{
			URL:          res.URL,
			StatusCode:   res.StatusCode,
			Headers:      res.Headers,
			Body:         []byte(res.RenderedHTML),
			Duration:     res.Duration,
			UsedHeadless: true,
			Mode:         crawler.RenderModeBrowser,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", url, err)
	}
	if resp.Mode != crawler.RenderModeBrowser {
		return c.entryFromResponse(url, resp)
	}

	entry := &crawler.CacheEntry{
		CacheKey:    GenerateCacheKey(url),
		URL:         url,
		HTML:        rendered.RenderedHTML,
		StatusCode:  rendered.StatusCode,
		Headers:     rendered.Headers,
		JSErrors:    rendered.JSErrors,
		RenderMode:  crawler.RenderModeBrowser,
		Dynamism:    rendered.Dynamism,
		Performance: rendered.Performance,
	}
	if entry.JSErrors == nil {
		entry.JSErrors = []string{}
	}
	pd, err := ExtractPageData(rendered.RenderedHTML, url, rendered.Headers)
	if err != nil {
		return nil, err
	}
	pd.Resources = rendered.Resources
	entry.PageData = pd

	pricing := DetectPricing(rendered.ServedHTML, rendered.RenderedHTML)
	entry.Pricing = &pricing
	if pricing.JSDependent {
		c.logger.Warn("javascript-dependent pricing detected", zap.String("url", url))
	}
	if rendered.Dynamism != nil && rendered.Dynamism.Detected {
		c.logger.Info("visual dynamism detected", zap.String("url", url), zap.Int("unique_states", rendered.Dynamism.UniqueStates))
	}

	if persist {
		c.writeCompanion(ctx, url, renderedPath(entry.CacheKey), rendered.RenderedHTML)
		c.writeCompanion(ctx, url, servedPath(entry.CacheKey), rendered.ServedHTML)
		c.writeCompanion(ctx, url, consolePath(entry.CacheKey), headless.FormatConsoleLog(rendered.Console))
	}
	return entry, nil
}

func (c *Cache) entryFromResponse(url string, resp crawler.FetchResponse) (*crawler.CacheEntry, error) {
	html := string(resp.Body)
	pd, err := ExtractPageData(html, url, resp.Headers)
	if err != nil {
		return nil, err
	}
	mode := resp.Mode
	if mode == "" {
		mode = crawler.RenderModeHTTP
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &crawler.CacheEntry{
		CacheKey:   GenerateCacheKey(url),
		URL:        url,
		HTML:       html,
		StatusCode: status,
		Headers:    resp.Headers,
		PageData:   pd,
		JSErrors:   []string{},
		RenderMode: mode,
	}, nil
}

// writeCompanion persists an auxiliary file. Failures are logged only.
func (c *Cache) writeCompanion(ctx context.Context, url, path, content string) {
	if _, err := c.store.PutObject(ctx, path, []byte(content)); err != nil {
		c.logger.Error("failed to save cache companion file", zap.String("url", url), zap.String("path", path), zap.Error(err))
	}
}
