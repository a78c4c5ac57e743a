package crawler

import (
	"net/http"
	"slices"
	"sync"
	"time"
)

// Default crawl priorities assigned to targets by origin.
const (
	PrioritySeed         = 1.0
	PriorityLLMsTxt      = 0.8
	PriorityHTMLFallback = 0.7
	PriorityDiscovered   = 0.5
)

// RenderMode records which path produced a cache entry.
type RenderMode string

// Render modes persisted with each cache entry.
const (
	RenderModeHTTP    RenderMode = "http"
	RenderModeBrowser RenderMode = "browser"
	RenderModeStealth RenderMode = "stealth"
)

// CrawlTarget is a URL waiting to be crawled. It is immutable once enqueued.
type CrawlTarget struct {
	URL          string  `json:"url"`
	LastModified string  `json:"lastmod,omitempty"`
	ChangeFreq   string  `json:"changefreq,omitempty"`
	Priority     float64 `json:"priority"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	Mode         RenderMode
}

// Image is an <img> reference found on a page.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// Resource is a sub-resource referenced by a rendered page.
type Resource struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// PageData is the metadata extracted from a fetched or rendered document.
type PageData struct {
	Title                string              `json:"title"`
	MetaDescription      string              `json:"metaDescription"`
	H1                   string              `json:"h1"`
	WordCount            int                 `json:"wordCount"`
	HasResponsiveMetaTag bool                `json:"hasResponsiveMetaTag"`
	Images               []Image             `json:"images"`
	InternalLinks        int                 `json:"internalLinks"`
	StructuredData       []string            `json:"structuredData"`
	OpenGraphTags        []map[string]string `json:"openGraphTags"`
	TwitterTags          []map[string]string `json:"twitterTags"`
	H1Count              int                 `json:"h1Count"`
	H2Count              int                 `json:"h2Count"`
	H3Count              int                 `json:"h3Count"`
	H4Count              int                 `json:"h4Count"`
	H5Count              int                 `json:"h5Count"`
	H6Count              int                 `json:"h6Count"`
	ScriptsCount         int                 `json:"scriptsCount"`
	StylesheetsCount     int                 `json:"stylesheetsCount"`
	HTMLLang             string              `json:"htmlLang,omitempty"`
	CanonicalURL         string              `json:"canonicalUrl,omitempty"`
	FormsCount           int                 `json:"formsCount"`
	TablesCount          int                 `json:"tablesCount"`
	PageSize             int                 `json:"pageSize"`
	LastModified         string              `json:"lastModified,omitempty"`
	TestURL              string              `json:"testUrl"`
	Links                []string            `json:"links,omitempty"`
	Resources            []Resource          `json:"allResources,omitempty"`
}

// Freshness is the bucketed staleness classification of a cache entry.
type Freshness struct {
	LastModifiedDate      string `json:"lastModifiedDate"`
	DaysSinceLastModified *int   `json:"daysSinceLastModified"`
	LastCrawledDate       string `json:"lastCrawledDate"`
	DaysSinceLastCrawled  int    `json:"daysSinceLastCrawled"`
	FreshnessStatus       string `json:"freshnessStatus"`
}

// Dynamism reports whether repeated screenshots of a page differed.
type Dynamism struct {
	Detected     bool `json:"detected"`
	UniqueStates int  `json:"uniqueStates"`
}

// Pricing reports whether price-like content only appears after rendering.
type Pricing struct {
	InServedHTML   bool `json:"inServedHtml"`
	InRenderedHTML bool `json:"inRenderedHtml"`
	JSDependent    bool `json:"jsDependent"`
}

// Performance holds navigation timing metrics in milliseconds.
type Performance struct {
	LoadTime             float64  `json:"loadTime"`
	DOMContentLoaded     float64  `json:"domContentLoaded"`
	FirstPaint           *float64 `json:"firstPaint,omitempty"`
	FirstContentfulPaint *float64 `json:"firstContentfulPaint,omitempty"`
}

// CacheEntry is the persisted snapshot of one URL. Optional sub-records are
// only present when a full browser render produced them.
type CacheEntry struct {
	CacheKey         string       `json:"cacheKey"`
	URL              string       `json:"url"`
	HTML             string       `json:"html"`
	StatusCode       int          `json:"statusCode"`
	Headers          http.Header  `json:"headers"`
	PageData         *PageData    `json:"pageData,omitempty"`
	JSErrors         []string     `json:"jsErrors"`
	LastCrawled      time.Time    `json:"lastCrawled"`
	RenderMode       RenderMode   `json:"renderMode"`
	ContentFreshness *Freshness   `json:"contentFreshness,omitempty"`
	Dynamism         *Dynamism    `json:"visualDynamism,omitempty"`
	Pricing          *Pricing     `json:"pricing,omitempty"`
	Performance      *Performance `json:"performanceMetrics,omitempty"`
}

// RetryState is the per-URL retry counter owned by a single ProcessURL call.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
}

// Exhausted reports whether no further attempts remain.
func (s RetryState) Exhausted() bool {
	return s.Attempt >= s.MaxAttempts
}

// LimiterStats is a read-only snapshot of the rate limiter.
type LimiterStats struct {
	Tokens         float64       `json:"tokens"`
	Capacity       int           `json:"capacity"`
	RefillInterval time.Duration `json:"refillInterval"`
	Concurrency    int           `json:"concurrency"`
	RateLimitHits  int64         `json:"rateLimitHits"`
	TotalRequests  int64         `json:"totalRequests"`
}

// FailedURL records a permanent failure.
type FailedURL struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// InvalidURL records a URL that produced no usable content.
type InvalidURL struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// RobotsBasis names what a robots verdict was decided from.
type RobotsBasis string

// Robots verdict bases. Every basis except RobotsBasisRules allows the URL
// without any rules having been read.
const (
	RobotsBasisRules       RobotsBasis = "rules"
	RobotsBasisMissing     RobotsBasis = "missing"
	RobotsBasisUnavailable RobotsBasis = "unavailable"
	// RobotsBasisFallback marks an allow-all document synthesized after
	// robots.txt kept timing out in the TLS handshake.
	RobotsBasisFallback RobotsBasis = "tls-fallback"
)

// RobotsFallbackHeader is set on synthesized allow-all robots.txt responses.
const RobotsFallbackHeader = "X-Webaudit-Robots-Fallback"

// RobotsVerdict is the outcome of a robots.txt check.
type RobotsVerdict struct {
	Allowed bool
	Basis   RobotsBasis
}

// PageRecord is the per-URL payload forwarded to scoring.
type PageRecord struct {
	URL           string      `json:"url"`
	LastMod       string      `json:"lastmod,omitempty"`
	StatusCode    int         `json:"statusCode"`
	RenderMode    RenderMode  `json:"renderMode"`
	FromCache     bool        `json:"fromCache"`
	RobotsAllowed bool        `json:"robotsAllowed"`
	RobotsBasis   RobotsBasis `json:"robotsBasis,omitempty"`
	CacheKey      string      `json:"cacheKey"`
	Freshness     *Freshness  `json:"contentFreshness,omitempty"`
	PageData      *PageData   `json:"pageData,omitempty"`
	JSErrors      []string    `json:"jsErrors,omitempty"`
	Dynamism      *Dynamism   `json:"visualDynamism,omitempty"`
	Pricing       *Pricing    `json:"pricing,omitempty"`
}

// CrawlResults aggregates the outcome of a run. Methods are safe for
// concurrent use.
type CrawlResults struct {
	mu sync.Mutex

	SchemaVersion       string        `json:"schemaVersion"`
	RunID               string        `json:"runId"`
	StartedAt           time.Time     `json:"startedAt"`
	FinishedAt          *time.Time    `json:"finishedAt,omitempty"`
	URLs                []string      `json:"urls"`
	FailedURLs          []FailedURL   `json:"failedUrls"`
	InvalidURLs         []InvalidURL  `json:"invalidUrls"`
	Duplicates          []string      `json:"duplicates"`
	Pages               []PageRecord  `json:"pages"`
	OriginalSitemapURLs []string      `json:"originalSitemapUrls"`
	DiscoveredURLs      []string      `json:"discoveredUrls"`
	LimiterStats        *LimiterStats `json:"limiterStats,omitempty"`
}

// NewCrawlResults builds an empty aggregate for a run.
func NewCrawlResults(runID string, started time.Time) *CrawlResults {
	return &CrawlResults{
		RunID:       runID,
		StartedAt:   started,
		URLs:        []string{},
		FailedURLs:  []FailedURL{},
		InvalidURLs: []InvalidURL{},
		Duplicates:  []string{},
		Pages:       []PageRecord{},
	}
}

// RecordPage appends a successfully processed page.
func (r *CrawlResults) RecordPage(page PageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pages = append(r.Pages, page)
	r.addURLLocked(page.URL)
}

// RecordFailure appends a permanent failure and lists the URL as processed.
func (r *CrawlResults) RecordFailure(url, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailedURLs = append(r.FailedURLs, FailedURL{URL: url, Error: reason})
	r.addURLLocked(url)
}

// RecordInvalid appends a URL that yielded no usable content.
func (r *CrawlResults) RecordInvalid(url, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.InvalidURLs = append(r.InvalidURLs, InvalidURL{URL: url, Reason: reason})
}

// RecordDuplicate notes a discovered link that was already seen.
func (r *CrawlResults) RecordDuplicate(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Duplicates = append(r.Duplicates, url)
}

// RecordDiscovered notes a link found on a page and enqueued.
func (r *CrawlResults) RecordDiscovered(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DiscoveredURLs = append(r.DiscoveredURLs, url)
}

// SetOriginalSitemap stores the seed URLs as read from the sitemap.
func (r *CrawlResults) SetOriginalSitemap(targets []CrawlTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OriginalSitemapURLs = make([]string, 0, len(targets))
	for _, t := range targets {
		r.OriginalSitemapURLs = append(r.OriginalSitemapURLs, t.URL)
	}
}

// Finish stamps the end of the run and the limiter statistics.
func (r *CrawlResults) Finish(at time.Time, stats LimiterStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = &at
	r.LimiterStats = &stats
}

// Processed returns how many URLs reached a terminal state.
func (r *CrawlResults) Processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.URLs)
}

// Empty reports whether the run has produced anything worth persisting.
func (r *CrawlResults) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.URLs) == 0 && len(r.FailedURLs) == 0
}

// Snapshot returns a deep copy that can be serialized without holding locks.
func (r *CrawlResults) Snapshot() *CrawlResults {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := &CrawlResults{
		SchemaVersion:       r.SchemaVersion,
		RunID:               r.RunID,
		StartedAt:           r.StartedAt,
		URLs:                slices.Clone(r.URLs),
		FailedURLs:          slices.Clone(r.FailedURLs),
		InvalidURLs:         slices.Clone(r.InvalidURLs),
		Duplicates:          slices.Clone(r.Duplicates),
		Pages:               slices.Clone(r.Pages),
		OriginalSitemapURLs: slices.Clone(r.OriginalSitemapURLs),
		DiscoveredURLs:      slices.Clone(r.DiscoveredURLs),
	}
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		cp.FinishedAt = &at
	}
	if r.LimiterStats != nil {
		st := *r.LimiterStats
		cp.LimiterStats = &st
	}
	return cp
}

func (r *CrawlResults) addURLLocked(url string) {
	if url == "" || slices.Contains(r.URLs, url) {
		return
	}
	r.URLs = append(r.URLs, url)
}
