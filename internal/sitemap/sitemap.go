// Package sitemap turns the crawl input, an XML sitemap, a sitemap index or
// a plain page, into the seed list of crawl targets.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
	"github.com/ddttom/invisible-users-sub000/internal/network"
)

// ErrNoURLs is returned when the input yields no crawlable targets.
var ErrNoURLs = errors.New("no URLs found")

// maxBodyBytes bounds a decompressed sitemap body.
const maxBodyBytes = 50 << 20

// Executor runs a network operation under retry and escalation.
type Executor interface {
	Execute(ctx context.Context, name, url string, op network.Operation) (crawler.FetchResponse, error)
}

// Config controls target extraction.
type Config struct {
	// IncludeLLMsTxt appends <origin>/llms.txt to the targets.
	IncludeLLMsTxt bool
	// IncludeAllLanguages keeps URLs whose first path segment is a
	// two-letter language code other than en or us.
	IncludeAllLanguages bool
	// MaxDepth bounds sitemap index recursion.
	MaxDepth int
	// Timeout bounds one fetch.
	Timeout time.Duration
}

// Parser extracts crawl targets.
type Parser struct {
	cfg      Config
	executor Executor
	fetcher  crawler.Fetcher
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs a Parser.
func New(cfg Config, executor Executor, fetcher crawler.Fetcher, clock crawler.Clock, logger *zap.Logger) *Parser {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		cfg:      cfg,
		executor: executor,
		fetcher:  fetcher,
		clock:    clock,
		logger:   logger.Named("sitemap"),
	}
}

// Targets fetches input and returns at most count targets, or all of them
// when count is negative or zero.
func (p *Parser) Targets(ctx context.Context, input string, count int) ([]crawler.CrawlTarget, error) {
	if err := crawler.ValidateURL(input); err != nil {
		return nil, fmt.Errorf("sitemap input %q: %w", input, err)
	}
	p.logger.Info("fetching url", zap.String("url", input))

	targets, err := p.collect(ctx, input, 0)
	if err != nil {
		return nil, err
	}
	if p.cfg.IncludeLLMsTxt {
		targets = p.withLLMsTxt(input, targets)
	}
	targets = dedupe(targets)
	if count > 0 && len(targets) > count {
		targets = targets[:count]
	}
	if len(targets) == 0 {
		return nil, ErrNoURLs
	}
	p.logger.Info("found urls to process", zap.Int("count", len(targets)))
	return targets, nil
}

func (p *Parser) collect(ctx context.Context, rawURL string, depth int) ([]crawler.CrawlTarget, error) {
	resp, err := p.executor.Execute(ctx, "sitemap fetch", rawURL, func(ctx context.Context) (crawler.FetchResponse, error) {
		return p.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Timeout: p.cfg.Timeout})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: HTTP error status %d", rawURL, resp.StatusCode)
	}
	body, err := decodeBody(rawURL, resp)
	if err != nil {
		return nil, err
	}

	if doc, ok := parseSitemapXML(body); ok {
		if locs := xmlquery.Find(doc, "//sitemapindex/sitemap/loc"); len(locs) > 0 {
			return p.fromIndex(ctx, rawURL, locs, depth), nil
		}
		if nodes := xmlquery.Find(doc, "//urlset/url"); len(nodes) > 0 {
			return p.fromURLSet(nodes), nil
		}
		p.logger.Warn("invalid sitemap format, no urlset or sitemapindex found", zap.String("url", rawURL))
		return nil, nil
	}
	return p.fromHTML(rawURL, body)
}

func (p *Parser) fromIndex(ctx context.Context, indexURL string, locs []*xmlquery.Node, depth int) []crawler.CrawlTarget {
	p.logger.Info("found sitemap index", zap.String("url", indexURL), zap.Int("sitemaps", len(locs)))
	if depth+1 >= p.cfg.MaxDepth {
		p.logger.Warn("sitemap index nesting too deep, skipping", zap.String("url", indexURL), zap.Int("depth", depth))
		return nil
	}
	var out []crawler.CrawlTarget
	for _, loc := range locs {
		sub := strings.TrimSpace(loc.InnerText())
		if sub == "" {
			continue
		}
		targets, err := p.collect(ctx, sub, depth+1)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			p.logger.Warn("failed to process sub-sitemap", zap.String("url", sub), zap.Error(err))
			continue
		}
		out = append(out, targets...)
	}
	return out
}

func (p *Parser) fromURLSet(nodes []*xmlquery.Node) []crawler.CrawlTarget {
	out := make([]crawler.CrawlTarget, 0, len(nodes))
	for _, n := range nodes {
		loc := childText(n, "loc")
		if loc == "" {
			continue
		}
		if !p.cfg.IncludeAllLanguages && isLanguageVariant(loc) {
			p.logger.Debug("skipping url with language variant", zap.String("url", loc))
			continue
		}
		target := crawler.CrawlTarget{
			URL:          loc,
			LastModified: childText(n, "lastmod"),
			ChangeFreq:   childText(n, "changefreq"),
			Priority:     crawler.PrioritySeed,
		}
		if raw := childText(n, "priority"); raw != "" {
			if prio, err := strconv.ParseFloat(raw, 64); err == nil {
				target.Priority = prio
			}
		}
		out = append(out, target)
	}
	p.logger.Debug("extracted urls from sitemap", zap.Int("count", len(out)))
	return out
}

// fromHTML treats the input as a page: the page itself plus its same-host
// links become targets.
func (p *Parser) fromHTML(pageURL string, body []byte) ([]crawler.CrawlTarget, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", pageURL, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %s: %w", pageURL, err)
	}
	now := p.clock.Now().UTC().Format(time.RFC3339)
	out := []crawler.CrawlTarget{{URL: pageURL, LastModified: now, ChangeFreq: "daily", Priority: crawler.PrioritySeed}}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs := crawler.ResolveReference(base, href)
		if abs == "" {
			return
		}
		u, err := url.Parse(abs)
		if err != nil || !strings.EqualFold(u.Hostname(), base.Hostname()) {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		out = append(out, crawler.CrawlTarget{
			URL:          u.String(),
			LastModified: now,
			ChangeFreq:   "daily",
			Priority:     crawler.PriorityHTMLFallback,
		})
	})
	p.logger.Info("processed html page", zap.String("url", pageURL), zap.Int("internal_urls", len(out)-1))
	return out, nil
}

func (p *Parser) withLLMsTxt(input string, targets []crawler.CrawlTarget) []crawler.CrawlTarget {
	origin, err := crawler.Origin(input)
	if err != nil {
		p.logger.Debug("could not add llms.txt", zap.Error(err))
		return targets
	}
	llms := origin + "/llms.txt"
	for _, t := range targets {
		if t.URL == llms {
			return targets
		}
	}
	p.logger.Info("adding llms.txt to processing list", zap.String("url", llms))
	return append(targets, crawler.CrawlTarget{
		URL:          llms,
		LastModified: p.clock.Now().UTC().Format(time.RFC3339),
		ChangeFreq:   "daily",
		Priority:     crawler.PriorityLLMsTxt,
	})
}

// decodeBody undoes compression Colly leaves in place. Gzip is detected by
// its magic bytes so bodies already inflated by the transport pass through.
func decodeBody(rawURL string, resp crawler.FetchResponse) ([]byte, error) {
	body := resp.Body
	if strings.EqualFold(strings.TrimSpace(resp.Headers.Get("Content-Encoding")), "br") {
		decoded, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("brotli decode %s: %w", rawURL, err)
		}
		body = decoded
	}
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip decode %s: %w", rawURL, err)
		}
		defer func() { _ = gz.Close() }()
		decoded, err := io.ReadAll(io.LimitReader(gz, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("gzip decode %s: %w", rawURL, err)
		}
		body = decoded
	}
	return body, nil
}

func parseSitemapXML(body []byte) (*xmlquery.Node, bool) {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) && !bytes.HasPrefix(trimmed, []byte("<urlset")) &&
		!bytes.HasPrefix(trimmed, []byte("<sitemapindex")) {
		return nil, false
	}
	doc, err := xmlquery.Parse(bytes.NewReader(trimmed))
	if err != nil {
		return nil, false
	}
	if xmlquery.FindOne(doc, "/urlset") == nil && xmlquery.FindOne(doc, "/sitemapindex") == nil {
		return nil, false
	}
	return doc, true
}

func childText(n *xmlquery.Node, name string) string {
	child := xmlquery.FindOne(n, name)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.InnerText())
}

func isLanguageVariant(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	first := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)[0]
	if len(first) != 2 {
		return false
	}
	return first != "en" && first != "us"
}

func dedupe(targets []crawler.CrawlTarget) []crawler.CrawlTarget {
	seen := make(map[string]struct{}, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if crawler.ValidateURL(t.URL) != nil {
			continue
		}
		key, err := crawler.NormalizeURL(t.URL)
		if err != nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
