// Package cache maps URLs to persisted page snapshots, validates their
// freshness against the origin and fetches or renders on a miss.
//
// Layout under the cache directory, keyed by GenerateCacheKey:
//
//	<key>.json            entry metadata
//	served/<key>.html     HTML as served by the origin
//	rendered/<key>.html   DOM after rendering
//	rendered/<key>.log    browser console output
//
// Removing all four files invalidates an entry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/fetcher/headless"
	"github.com/ddttom/invisible-users-sub000/internal/hash/md5"
	"github.com/ddttom/invisible-users-sub000/internal/metrics"
	"github.com/ddttom/invisible-users-sub000/internal/network"
	"github.com/ddttom/invisible-users-sub000/internal/storage/local"
)

// Policy decides how an entry is treated when staleness cannot be proven.
type Policy string

// Staleness policies.
const (
	PolicyFresh Policy = "fresh"
	PolicyStale Policy = "stale"
)

// Config controls staleness probing.
type Config struct {
	ProbeTimeout time.Duration
	// MissingLastModified applies when the origin sends no Last-Modified.
	MissingLastModified Policy
	// ProbeError applies when the HEAD probe fails.
	ProbeError Policy
	// FetchTimeout bounds one plain HTTP fetch.
	FetchTimeout time.Duration
}

// Executor runs a network operation under retry and escalation.
type Executor interface {
	Execute(ctx context.Context, name, url string, op network.Operation) (crawler.FetchResponse, error)
}

// Renderer performs a full browser render.
type Renderer interface {
	Render(ctx context.Context, url string, opts headless.RenderOptions) (headless.RenderResult, error)
}

// Cache is the content cache. One process owns one cache directory.
type Cache struct {
	cfg      Config
	store    *local.BlobStore
	executor Executor
	fetcher  crawler.Fetcher
	prober   crawler.Prober
	renderer Renderer
	clock    crawler.Clock
	logger   *zap.Logger
}

// New builds a Cache. renderer may be nil when only the HTTP path is used.
func New(
	cfg Config,
	store *local.BlobStore,
	executor Executor,
	fetcher crawler.Fetcher,
	prober crawler.Prober,
	renderer Renderer,
	clock crawler.Clock,
	logger *zap.Logger,
) *Cache {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MissingLastModified == "" {
		cfg.MissingLastModified = PolicyFresh
	}
	if cfg.ProbeError == "" {
		cfg.ProbeError = PolicyFresh
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:      cfg,
		store:    store,
		executor: executor,
		fetcher:  fetcher,
		prober:   prober,
		renderer: renderer,
		clock:    clock,
		logger:   logger.Named("cache"),
	}
}

// GenerateCacheKey returns the hex md5 of the exact URL string.
func GenerateCacheKey(url string) string {
	return md5.Sum([]byte(url))
}

func entryPath(key string) string    { return key + ".json" }
func servedPath(key string) string   { return "served/" + key + ".html" }
func renderedPath(key string) string { return "rendered/" + key + ".html" }
func consolePath(key string) string  { return "rendered/" + key + ".log" }

// Get returns the cached entry for url, or false on a miss. Missing,
// unreadable, invalid and stale entries are all misses.
func (c *Cache) Get(ctx context.Context, url string) (*crawler.CacheEntry, bool) {
	key := GenerateCacheKey(url)
	data, err := c.store.GetObject(ctx, entryPath(key))
	if err != nil {
		if errors.Is(err, local.ErrNotFound) {
			c.logger.Debug("cache miss", zap.String("url", url))
		} else {
			c.logger.Error("failed to read cache entry", zap.String("url", url), zap.Error(err))
		}
		metrics.ObserveCacheLookup("miss")
		return nil, false
	}

	var entry crawler.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Error("failed to decode cache entry", zap.String("url", url), zap.Error(err))
		metrics.ObserveCacheLookup("miss")
		return nil, false
	}
	if entry.StatusCode == 0 {
		entry.StatusCode = http.StatusOK
	}
	if entry.PageData != nil && entry.PageData.TestURL != "" {
		if err := crawler.ValidateURL(entry.PageData.TestURL); err != nil {
			c.logger.Warn("invalid url in cached data",
				zap.String("url", url), zap.String("test_url", entry.PageData.TestURL))
			metrics.ObserveCacheLookup("miss")
			return nil, false
		}
	}
	if !entry.LastCrawled.IsZero() && c.isStale(ctx, url, entry.LastCrawled) {
		c.logger.Info("cache invalidated, source has been modified", zap.String("url", url))
		if err := c.Invalidate(ctx, url); err != nil {
			c.logger.Warn("failed to invalidate cache entry", zap.String("url", url), zap.Error(err))
		}
		metrics.ObserveCacheLookup("invalidated")
		return nil, false
	}

	metrics.ObserveCacheLookup("hit")
	return &entry, true
}

// isStale probes the origin. It compares Last-Modified with the entry's
// crawl time, never wall-clock age.
func (c *Cache) isStale(ctx context.Context, url string, lastCrawled time.Time) bool {
	if c.prober == nil {
		return c.cfg.ProbeError == PolicyStale
	}
	status, headers, err := c.prober.Head(ctx, url, c.cfg.ProbeTimeout)
	if err == nil && status >= http.StatusInternalServerError {
		err = fmt.Errorf("probe returned status %d", status)
	}
	if err != nil {
		c.logger.Debug("staleness probe failed", zap.String("url", url), zap.Error(err),
			zap.String("policy", string(c.cfg.ProbeError)))
		return c.cfg.ProbeError == PolicyStale
	}

	raw := headers.Get("Last-Modified")
	if raw == "" {
		c.logger.Debug("no Last-Modified header", zap.String("url", url),
			zap.String("policy", string(c.cfg.MissingLastModified)))
		return c.cfg.MissingLastModified == PolicyStale
	}
	modified, err := http.ParseTime(raw)
	if err != nil {
		c.logger.Debug("unparsable Last-Modified header", zap.String("url", url), zap.String("value", raw))
		return c.cfg.MissingLastModified == PolicyStale
	}
	stale := modified.After(lastCrawled)
	if stale {
		c.logger.Info("cache stale",
			zap.String("url", url),
			zap.Time("source_modified", modified),
			zap.Time("cache_created", lastCrawled),
		)
	}
	return stale
}

// Invalidate removes every file belonging to url's entry.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	key := GenerateCacheKey(url)
	var errs []error
	for _, path := range []string{entryPath(key), servedPath(key), renderedPath(key), consolePath(key)} {
		if err := c.store.DeleteObject(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Set stamps the key and crawl time and writes the whole entry atomically.
func (c *Cache) Set(ctx context.Context, url string, entry *crawler.CacheEntry) error {
	if entry == nil {
		return errors.New("cache entry is nil")
	}
	entry.CacheKey = GenerateCacheKey(url)
	entry.URL = url
	entry.LastCrawled = c.clock.Now().UTC()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if _, err := c.store.PutObject(ctx, entryPath(entry.CacheKey), data); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	c.logger.Debug("cache written", zap.String("url", url), zap.String("key", entry.CacheKey))
	return nil
}
