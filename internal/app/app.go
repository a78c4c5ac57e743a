// Package app builds the run context of one crawl and drives its phases.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/api"
	"github.com/ddttom/invisible-users-sub000/internal/cache"
	"github.com/ddttom/invisible-users-sub000/internal/clock/system"
	"github.com/ddttom/invisible-users-sub000/internal/config"
	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	collyfetcher "github.com/ddttom/invisible-users-sub000/internal/fetcher/colly"
	"github.com/ddttom/invisible-users-sub000/internal/fetcher/headless"
	"github.com/ddttom/invisible-users-sub000/internal/history"
	"github.com/ddttom/invisible-users-sub000/internal/id/uuid"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
	"github.com/ddttom/invisible-users-sub000/internal/network"
	"github.com/ddttom/invisible-users-sub000/internal/policy/ratelimit"
	"github.com/ddttom/invisible-users-sub000/internal/results"
	"github.com/ddttom/invisible-users-sub000/internal/robots"
	"github.com/ddttom/invisible-users-sub000/internal/shutdown"
	"github.com/ddttom/invisible-users-sub000/internal/sitemap"
	"github.com/ddttom/invisible-users-sub000/internal/storage/local"
	"github.com/ddttom/invisible-users-sub000/internal/storage/postgres"
	"github.com/ddttom/invisible-users-sub000/internal/storage/sqlite"
	"github.com/ddttom/invisible-users-sub000/internal/worker"
)

// Run phases reported by the status API.
const (
	PhaseStarting = "starting"
	PhasePrepare  = "prepare"
	PhaseRobots   = "robots"
	PhaseSitemap  = "sitemap"
	PhaseCrawl    = "crawl"
	PhaseReport   = "report"
	PhaseDone     = "done"
)

// Option customizes New.
type Option func(*options)

type options struct {
	clock    crawler.Clock
	ids      crawler.IDGenerator
	launcher headless.Launcher
	exit     func(code int)
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator replaces the UUID v7 run ID source.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLauncher replaces the Chrome launcher used by the browser pool.
func WithLauncher(l headless.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithExit replaces os.Exit in the shutdown path.
func WithExit(exit func(code int)) Option {
	return func(o *options) { o.exit = exit }
}

// App holds every service of one run. Nothing here is process-global.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	runID  string

	limiter  *ratelimit.Limiter
	pool     *headless.Pool
	executor *network.Executor
	fetcher  *collyfetcher.Fetcher
	cache    *cache.Cache
	results  *results.Store
	shutdown *shutdown.Coordinator
	robots   *robots.Policy
	sitemap  *sitemap.Parser
	worker   *worker.Processor
	server   *api.Server

	ready atomic.Bool
	phase atomic.Value

	mu      sync.Mutex
	current *crawler.CrawlResults
	history history.Store
}

// New builds the run context. A browser pool that fails to start leaves
// renders on the on-demand launch path.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: system.New(), ids: uuid.New()}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	runID, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  o.clock,
		runID:  runID,
	}
	a.phase.Store(PhaseStarting)
	logger.Info("creating run",
		zap.String("run_id", a.runID),
		zap.String("sitemap", cfg.Crawl.Sitemap),
		zap.Bool("recursive", cfg.Crawl.Recursive),
		zap.Int("count", cfg.Crawl.Count),
	)

	a.limiter = ratelimit.New(ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		TokensPerInterval: cfg.RateLimit.TokensPerInterval,
		Interval:          cfg.RateInterval(),
		Adaptive:          cfg.RateLimit.Adaptive,
		SuccessWindow:     cfg.RateLimit.SuccessWindow,
		MinTokens:         cfg.RateLimit.MinTokens,
	}, logger.Named("ratelimit"))

	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawl.UserAgent,
		Timeout:   cfg.Network.HTTPTimeout,
	})

	var (
		renderer  cache.Renderer
		escalator network.Escalator
	)
	if !cfg.Cache.NoBrowser && !cfg.Cache.CacheOnly {
		r := a.buildRenderer(ctx, o.launcher)
		renderer, escalator = r, r
	}

	a.executor = network.New(network.Config{
		MaxRetries: cfg.Network.MaxRetries,
		BaseDelay:  cfg.Network.BaseDelay,
	}, a.limiter, escalator, logger)

	blobs, err := local.New(local.Config{BaseDir: cfg.Cache.Dir})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("cache store: %w", err)
	}
	a.cache = cache.New(cache.Config{
		ProbeTimeout:        cfg.Cache.StaleProbeTimeout,
		MissingLastModified: cache.Policy(cfg.Cache.MissingLastModified),
		ProbeError:          cache.Policy(cfg.Cache.ProbeError),
		FetchTimeout:        cfg.Network.HTTPTimeout,
	}, blobs, a.executor, a.fetcher, a.fetcher, renderer, a.clock, logger)

	a.results = results.New(cfg.Output.Dir, logger)

	var shutdownOpts []shutdown.Option
	if o.exit != nil {
		shutdownOpts = append(shutdownOpts, shutdown.WithExit(o.exit))
	}
	a.shutdown = shutdown.New(shutdown.Config{GraceDelay: cfg.Shutdown.GraceDelay}, a.results.Flush, logger, shutdownOpts...)

	a.robots = robots.New(a.fetcher, cfg.Crawl.UserAgent, cfg.Network.HTTPTimeout, logger)
	a.sitemap = sitemap.New(sitemap.Config{
		IncludeLLMsTxt:      cfg.Crawl.IncludeLLMsTxt,
		IncludeAllLanguages: cfg.Crawl.AllLanguages,
		Timeout:             cfg.Network.HTTPTimeout,
	}, a.executor, a.fetcher, a.clock, logger)

	a.worker = worker.New(worker.Config{
		Recursive:     cfg.Crawl.Recursive,
		Limit:         cfg.Crawl.Count,
		MaxRetries:    cfg.Crawl.MaxRetries,
		RetryDelay:    cfg.Crawl.RetryDelay,
		Concurrency:   cfg.Browser.PoolSize,
		RespectRobots: cfg.Crawl.RespectRobots,
		Cache: cache.Options{
			NoBrowser: cfg.Cache.NoBrowser,
			CacheOnly: cfg.Cache.CacheOnly,
			NoCache:   cfg.Cache.NoCache,
		},
	}, a.cache, a.robots, a.results, a.clock, logger)

	a.shutdown.OnTeardown("frontier", a.worker.Stop)
	if a.pool != nil {
		a.shutdown.OnTeardown("browser pool", a.pool.Shutdown)
	}
	a.shutdown.Track(a.Results)

	if cfg.Server.Enabled {
		a.server = api.NewServer(a, logger)
	}
	return a, nil
}

func (a *App) buildRenderer(ctx context.Context, launcher headless.Launcher) *headless.Renderer {
	launch := headless.LaunchOptions{
		Headless: a.cfg.Browser.Headless,
		ExecPath: a.cfg.Browser.ExecPath,
	}
	a.pool = headless.NewPool(headless.PoolConfig{Size: a.cfg.Browser.PoolSize, Launch: launch}, launcher, a.logger)
	if err := a.pool.Initialize(ctx); err != nil {
		a.logger.Warn("browser pool initialization failed, falling back to on-demand browsers", zap.Error(err))
	}
	runner := headless.NewRunner(a.pool, launcher, launch, a.logger)
	stealth := headless.NewStealth(headless.StealthConfig{
		DelayMin: a.cfg.Browser.StealthDelayMin,
		DelayMax: a.cfg.Browser.StealthDelayMax,
	}, nil)
	return headless.NewRenderer(headless.RendererConfig{
		NavigationTimeout: a.cfg.Network.NavTimeout,
		UserAgent:         a.cfg.Crawl.UserAgent,
		Dynamism:          a.cfg.Browser.DynamismProbe,
		DynamismMinWait:   a.cfg.Browser.DynamismMinWait,
		DynamismMaxWait:   a.cfg.Browser.DynamismMaxWait,
	}, runner, stealth, a.logger)
}

// RunID returns the identifier stamped on this run's results.
func (a *App) RunID() string { return a.runID }

// Run executes every phase. Signals and panics go through the shutdown
// coordinator, which flushes partial results before exiting.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := a.shutdown.Notify(ctx)
	defer stop()

	if a.server != nil {
		serverCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := a.server.Serve(serverCtx, a.cfg.Server.Port); err != nil {
				a.logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	err := a.shutdown.Guard(func() error { return a.run(ctx) })
	if a.shutdown.Signaled() {
		// Wait for the flush the signal started; it ends in the exit call.
		a.shutdown.Trigger(shutdown.ReasonSignal)
		if err == nil {
			err = errors.New("interrupted by signal")
		}
	}
	return err
}

func (a *App) run(ctx context.Context) error {
	a.setPhase(PhasePrepare)
	if err := results.Prepare(a.cfg.Output.Dir, a.cfg.Cache.Dir, a.cfg.Cache.ForceDelete, a.logger); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	res := a.results.Load(results.LoadOptions{
		NoCache:          a.cfg.Cache.NoCache,
		ForceDeleteCache: a.cfg.Cache.ForceDelete,
	})
	if res != nil {
		a.logger.Info("resuming from saved results", zap.String("run_id", res.RunID), zap.Int("urls", len(res.URLs)))
		a.track(res)
		a.ready.Store(true)
	} else {
		res = crawler.NewCrawlResults(a.runID, a.clock.Now())
		a.track(res)
		a.ready.Store(true)
		if err := a.crawl(ctx, res); err != nil {
			return err
		}
		res.Finish(a.clock.Now(), a.limiter.Stats())
		if err := a.results.Save(ctx, res); err != nil {
			return fmt.Errorf("save results: %w", err)
		}
	}

	a.setPhase(PhaseReport)
	a.recordHistory(ctx, res)
	if path, err := a.results.WriteSitemap(res); err != nil {
		a.logger.Warn("failed to write v-sitemap", zap.Error(err))
	} else {
		a.logger.Info("v-sitemap written", zap.String("path", path))
	}

	a.setPhase(PhaseDone)
	snap := res.Snapshot()
	a.logger.Info("run complete",
		zap.String("run_id", snap.RunID),
		zap.Int("urls", len(snap.URLs)),
		zap.Int("failed", len(snap.FailedURLs)),
		zap.Int("invalid", len(snap.InvalidURLs)),
		zap.Int("discovered", len(snap.DiscoveredURLs)),
	)
	return nil
}

func (a *App) crawl(ctx context.Context, res *crawler.CrawlResults) error {
	source := a.cfg.Crawl.Sitemap

	a.setPhase(PhaseRobots)
	a.logger.Info("phase 0: fetching robots.txt")
	if summary, err := a.robots.Load(ctx, source); err != nil {
		a.logger.Warn("proceeding without robots.txt validation", zap.Error(err))
	} else if !summary.Found {
		a.logger.Info("no robots.txt rules, allowing all urls",
			zap.String("host", summary.Host),
			zap.String("basis", string(summary.Basis)),
		)
	} else {
		a.logger.Info("robots.txt loaded", zap.String("host", summary.Host), zap.Strings("sitemaps", summary.Sitemaps))
	}

	a.setPhase(PhaseSitemap)
	a.logger.Info("phase 1: getting sitemap urls")
	targets, err := a.sitemap.Targets(ctx, source, a.cfg.Crawl.Count)
	if err != nil {
		if errors.Is(err, sitemap.ErrNoURLs) {
			a.logger.Warn("no valid urls found to process")
		}
		return fmt.Errorf("sitemap: %w", err)
	}
	res.SetOriginalSitemap(targets)

	a.setPhase(PhaseCrawl)
	a.logger.Info("phase 2: processing urls", zap.Int("targets", len(targets)))
	if err := a.worker.Run(ctx, targets, res); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}
	return nil
}

func (a *App) recordHistory(ctx context.Context, res *crawler.CrawlResults) {
	store, err := a.historyStore(ctx)
	if err != nil {
		a.logger.Warn("could not open run history", zap.Error(err))
		return
	}
	if store == nil {
		return
	}
	summary := history.Summarize(a.cfg.Crawl.Sitemap, res, a.clock.Now())
	prev, err := store.Previous(ctx, summary.Source, summary.StartedAt)
	if err != nil {
		a.logger.Warn("could not load previous run", zap.Error(err))
	}
	if err := store.Save(ctx, summary); err != nil {
		a.logger.Warn("could not store run history", zap.Error(err))
		return
	}
	a.logger.Info("run history stored", zap.String("backend", a.cfg.Output.History))
	if prev == nil {
		a.logger.Info("no previous run found, establishing baseline")
		return
	}
	history.Compare(*prev, summary).Log(a.logger, *prev)
}

// historyStore opens the configured backend on first use, after Prepare
// has settled the output directory.
func (a *App) historyStore(ctx context.Context) (history.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history != nil {
		return a.history, nil
	}
	dir := filepath.Join(a.cfg.Output.Dir, "history")
	var (
		store history.Store
		err   error
	)
	switch a.cfg.Output.History {
	case config.HistoryJSON:
		store = history.NewJSONStore(dir)
	case config.HistorySQLite:
		store, err = sqlite.Open(ctx, dir)
	case config.HistoryPostgres:
		store, err = postgres.NewHistoryStore(ctx, postgres.Config{
			DSN:   a.cfg.Output.HistoryDSN,
			Table: a.cfg.Output.HistoryTable,
		})
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.history = store
	return store, nil
}

func (a *App) track(res *crawler.CrawlResults) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = res
}

func (a *App) setPhase(p string) {
	a.phase.Store(p)
	a.logger.Debug("phase", zap.String("phase", p))
}

// Results returns the live aggregate of the run.
func (a *App) Results() (*crawler.CrawlResults, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.current != nil
}

// Ready reports whether the run has passed directory preparation.
func (a *App) Ready() bool { return a.ready.Load() }

// Stats returns limiter and queue counters for the status API.
func (a *App) Stats() api.Stats {
	phase, _ := a.phase.Load().(string)
	st := api.Stats{
		RunID:   a.runID,
		Phase:   phase,
		Limiter: a.limiter.Stats(),
		Queue:   a.worker.Stats(),
	}
	if res, ok := a.Results(); ok {
		snap := res.Snapshot()
		st.StartedAt = snap.StartedAt
		st.Processed = len(snap.URLs)
		st.Failed = len(snap.FailedURLs)
		st.Invalid = len(snap.InvalidURLs)
	}
	return st
}

// Close releases the browser pool and history store and syncs the logger.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	a.mu.Lock()
	store := a.history
	a.history = nil
	a.mu.Unlock()
	if store != nil {
		if err := store.Close(); err != nil {
			a.logger.Warn("history store close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	// Sync fails on some terminals; nothing is left to report it to.
	_ = a.logger.Sync()
}
