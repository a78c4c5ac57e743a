// Package collyfetcher implements the plain HTTP fetch path and the HEAD
// staleness probe using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Transport overrides the pooled HTTP transport (tests).
	Transport http.RoundTripper
	// RobotsWaits overrides the pauses between robots.txt handshake retries.
	RobotsWaits []time.Duration
}

// Fetcher implements crawler.Fetcher and crawler.Prober using Colly.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))

	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(&robotsTransport{base: transport, waits: cfg.RobotsWaits})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Non-2xx responses are
// returned with their body so callers can classify them.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request.Timeout)
	collector.Context = ctx
	f.configureCollectorHooks(collector, request.Headers, start, &result, &fetchErr)

	if err := runCollector(ctx, func() error { return collector.Visit(request.URL) }, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	result.Mode = crawler.RenderModeHTTP
	return result, nil
}

// Head issues a HEAD request and returns the status and response headers.
func (f *Fetcher) Head(ctx context.Context, url string, timeout time.Duration) (int, http.Header, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(timeout)
	collector.Context = ctx
	f.configureCollectorHooks(collector, nil, time.Now(), &result, &fetchErr)

	if err := runCollector(ctx, func() error { return collector.Head(url) }, &fetchErr); err != nil {
		return 0, nil, err
	}
	return result.StatusCode, result.Headers, nil
}

func (f *Fetcher) buildCollector(timeout time.Duration) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	// Revisit bookkeeping belongs to the crawl queue, not the collector.
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = true
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var respHeaders http.Header
		if r.Headers != nil {
			respHeaders = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Headers:      respHeaders,
			Body:         append([]byte(nil), r.Body...),
			Duration:     time.Since(start),
			UsedHeadless: false,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// With ParseHTTPErrorResponse, status errors still reach OnResponse.
		if r != nil && r.StatusCode > 0 {
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && *fetchErr == nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	if headers == nil {
		return
	}
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
