// Package worker drives the crawl frontier: it pops targets, obtains each
// page through the content cache with bounded retries, records the outcome
// and feeds discovered same-origin links back into the frontier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddttom/invisible-users-sub000/internal/cache"
	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
	"github.com/ddttom/invisible-users-sub000/internal/queue/memory"
)

// Reasons recorded in invalidUrls without a fetch.
const (
	ReasonRobotsDisallowed = "Disallowed by robots.txt"
	ReasonInvalidURL       = "Invalid or undefined URL"
	ReasonNotCached        = "No cached data available (cache-only mode)"
)

// PanicError carries a panic raised while processing one URL.
type PanicError struct {
	URL   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic processing %s: %v", e.URL, e.Value)
}

// PanicStack returns the stack of the goroutine that panicked.
func (e *PanicError) PanicStack() []byte { return e.Stack }

// PageSource obtains a page, from cache or from the network.
type PageSource interface {
	GetOrRender(ctx context.Context, url string, opts cache.Options) cache.Result
}

// InvalidSink persists invalid URLs as they are found.
type InvalidSink interface {
	AppendInvalid(url, reason string) error
}

// Config controls the processor.
type Config struct {
	// Recursive enables same-origin link discovery.
	Recursive bool
	// Limit caps how many URLs are processed; zero or negative is unlimited.
	Limit int
	// MaxRetries is the number of GetOrRender attempts per URL.
	MaxRetries int
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// Concurrency bounds how many URLs are processed at once.
	Concurrency int
	// RespectRobots skips URLs disallowed by robots.txt.
	RespectRobots bool
	Cache         cache.Options
}

// Processor runs one crawl over a frontier.
type Processor struct {
	cfg     Config
	source  PageSource
	robots  crawler.RobotsPolicy
	invalid InvalidSink
	clock   crawler.Clock
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	frontier *memory.Frontier
	stopped  bool
}

// New constructs a Processor. robots and invalid may be nil.
func New(
	cfg Config,
	source PageSource,
	robots crawler.RobotsPolicy,
	invalid InvalidSink,
	clock crawler.Clock,
	logger *zap.Logger,
) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:     cfg,
		source:  source,
		robots:  robots,
		invalid: invalid,
		clock:   clock,
		logger:  logger.Named("worker"),
		sleep:   sleepContext,
	}
}

// Run processes targets into results until the frontier drains, the limit
// is reached, Stop is called or ctx is canceled. In-flight URLs always
// finish before Run returns.
func (p *Processor) Run(ctx context.Context, targets []crawler.CrawlTarget, results *crawler.CrawlResults) error {
	if len(targets) == 0 {
		p.logger.Warn("no urls to process")
		return nil
	}

	recursive := p.cfg.Recursive
	base, err := crawler.Origin(targets[0].URL)
	if recursive && err != nil {
		p.logger.Warn("no usable base url, falling back to sequential processing",
			zap.String("url", targets[0].URL), zap.Error(err))
		recursive = false
	}

	frontier := memory.NewFrontier(p.cfg.Limit)
	if !p.attach(frontier) {
		return nil
	}
	defer p.detach()
	for _, t := range targets {
		frontier.Push(t)
	}
	p.logger.Info("crawl started",
		zap.Int("seeds", frontier.Len()),
		zap.Bool("recursive", recursive),
		zap.Int("limit", p.cfg.Limit),
		zap.Int("concurrency", p.cfg.Concurrency),
	)

	g := &errgroup.Group{}
	g.SetLimit(p.cfg.Concurrency)
	var runErr error
loop:
	for {
		target, err := frontier.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, memory.ErrDrained):
				p.logger.Debug("frontier drained")
			case errors.Is(err, memory.ErrLimitReached):
				p.logger.Info("url limit reached", zap.Int("limit", p.cfg.Limit))
			case errors.Is(err, memory.ErrStopped):
				p.logger.Info("crawl stopped")
			default:
				runErr = err
			}
			break loop
		}

		g.Go(func() (err error) {
			defer frontier.MarkDone(target.URL)
			defer func() {
				if r := recover(); r != nil {
					frontier.Stop()
					err = &PanicError{URL: target.URL, Value: r, Stack: debug.Stack()}
				}
			}()
			entry := p.ProcessURL(ctx, target, results)
			if recursive && entry != nil && entry.StatusCode == http.StatusOK {
				p.discover(frontier, base, target.URL, entry, results)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var pe *PanicError
		if errors.As(err, &pe) {
			// Re-raised on the driving goroutine so the caller's recover sees it.
			panic(pe)
		}
		return err
	}

	stats := frontier.Stats()
	p.logger.Info("crawl finished",
		zap.Int("processed", results.Processed()),
		zap.Int("completed", stats.Completed),
		zap.Int("queued", stats.Queued),
	)
	if runErr != nil && ctx.Err() != nil {
		return fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}
	return runErr
}

// ProcessURL obtains one URL with bounded retries and records the outcome.
// It returns the entry on success and nil otherwise.
func (p *Processor) ProcessURL(ctx context.Context, target crawler.CrawlTarget, results *crawler.CrawlResults) *crawler.CacheEntry {
	url := target.URL
	logger := p.logger.With(zap.String("url", url))

	if err := crawler.ValidateURL(url); err != nil {
		logger.Error("skipping invalid url", zap.Error(err))
		results.RecordFailure(url, ReasonInvalidURL)
		p.recordInvalid(results, url, ReasonInvalidURL)
		metrics.ObservePage(url, "invalid", 0)
		return nil
	}

	verdict := crawler.RobotsVerdict{Allowed: true}
	if p.robots != nil {
		verdict = p.robots.Check(ctx, url)
	}
	if !verdict.Allowed && p.cfg.RespectRobots {
		logger.Info("disallowed by robots.txt", zap.String("basis", string(verdict.Basis)))
		p.recordInvalid(results, url, ReasonRobotsDisallowed)
		metrics.ObservePage(url, "disallowed", 0)
		return nil
	}

	state := crawler.RetryState{MaxAttempts: p.cfg.MaxRetries, BaseDelay: p.cfg.RetryDelay}
	var lastErr error
	for !state.Exhausted() {
		state.Attempt++
		logger.Debug("processing url", zap.Int("attempt", state.Attempt), zap.Int("max_attempts", state.MaxAttempts))

		res := p.source.GetOrRender(ctx, url, p.cfg.Cache)
		switch {
		case res.NotAvailable:
			p.recordInvalid(results, url, ReasonNotCached)
			metrics.ObservePage(url, "not_cached", 0)
			return nil
		case res.Err == nil && res.Entry != nil:
			p.recordPage(results, target, res, verdict)
			if res.Entry.StatusCode != http.StatusOK {
				p.recordInvalid(results, url, fmt.Sprintf("Non-200 status code (%d)", res.Entry.StatusCode))
			}
			return res.Entry
		}

		lastErr = res.Err
		if lastErr == nil {
			lastErr = errors.New("no page data returned")
		}
		if ctx.Err() != nil || crawler.KindOf(lastErr) == crawler.KindCanceled {
			logger.Info("processing canceled", zap.Error(lastErr))
			return nil
		}
		// The executor has already retried or escalated permanent failures.
		if state.Exhausted() || crawler.KindOf(lastErr) == crawler.KindPermanent {
			break
		}
		logger.Warn("attempt failed, retrying",
			zap.Int("attempt", state.Attempt),
			zap.Duration("delay", state.BaseDelay),
			zap.Error(lastErr),
		)
		if err := p.sleep(ctx, state.BaseDelay); err != nil {
			return nil
		}
	}

	reason := crawler.Reason(lastErr)
	logger.Error("url failed permanently", zap.Int("attempts", state.Attempt), zap.String("reason", reason))
	results.RecordFailure(url, reason)
	p.recordInvalid(results, url, reason)
	metrics.ObservePage(url, "failed", 0)
	return nil
}

// Stop prevents the running crawl from handing out further URLs. It is
// safe to call at any time, including before Run.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.frontier != nil {
		p.frontier.Stop()
	}
}

// Stats reports the active frontier, or zero values when idle.
func (p *Processor) Stats() memory.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frontier == nil {
		return memory.Stats{}
	}
	return p.frontier.Stats()
}

func (p *Processor) attach(f *memory.Frontier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.frontier = f
	return true
}

func (p *Processor) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frontier = nil
}

func (p *Processor) discover(
	frontier *memory.Frontier,
	base, current string,
	entry *crawler.CacheEntry,
	results *crawler.CrawlResults,
) {
	if entry.PageData == nil {
		return
	}
	currentKey := memory.Key(current)
	lastmod := p.clock.Now().UTC().Format(time.RFC3339)
	added := 0
	for _, link := range entry.PageData.Links {
		if !crawler.SameOrigin(link, base) {
			continue
		}
		key, err := crawler.DiscoveryKey(link)
		if err != nil || key == currentKey {
			continue
		}
		target := crawler.CrawlTarget{
			URL:          key,
			LastModified: lastmod,
			ChangeFreq:   "daily",
			Priority:     crawler.PriorityDiscovered,
		}
		if frontier.Push(target) {
			results.RecordDiscovered(key)
			added++
			continue
		}
		results.RecordDuplicate(key)
	}
	if added > 0 {
		p.logger.Debug("discovered links", zap.String("url", current), zap.Int("added", added))
	}
}

func (p *Processor) recordPage(results *crawler.CrawlResults, target crawler.CrawlTarget, res cache.Result, robots crawler.RobotsVerdict) {
	e := res.Entry
	results.RecordPage(crawler.PageRecord{
		URL:           target.URL,
		LastMod:       target.LastModified,
		StatusCode:    e.StatusCode,
		RenderMode:    e.RenderMode,
		FromCache:     res.FromCache,
		RobotsAllowed: robots.Allowed,
		RobotsBasis:   robots.Basis,
		CacheKey:      e.CacheKey,
		Freshness:     e.ContentFreshness,
		PageData:      e.PageData,
		JSErrors:      e.JSErrors,
		Dynamism:      e.Dynamism,
		Pricing:       e.Pricing,
	})
	status := "success"
	if res.FromCache {
		status = "cached"
	}
	metrics.ObservePage(target.URL, status, len(e.HTML))
	p.logger.Info("url processed",
		zap.String("url", target.URL),
		zap.Int("status_code", e.StatusCode),
		zap.Bool("from_cache", res.FromCache),
		zap.String("render_mode", string(e.RenderMode)),
	)
}

func (p *Processor) recordInvalid(results *crawler.CrawlResults, url, reason string) {
	results.RecordInvalid(url, reason)
	if p.invalid == nil {
		return
	}
	if err := p.invalid.AppendInvalid(url, reason); err != nil {
		p.logger.Warn("failed to persist invalid url", zap.String("url", url), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
